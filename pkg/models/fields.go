package models

// Field names a mutable attribute of a node. The set of valid fields is
// fixed per Kind; everything observable about a node other than its ID,
// kind, and birth version is derived by folding mods over these fields.
type Field string

const (
	// FieldName is the node's file or directory name. All kinds.
	FieldName Field = "name"

	// FieldChildren is the set of child node IDs. Directories only.
	FieldChildren Field = "children"

	// FieldData is the file content. File kinds only.
	FieldData Field = "data"

	// FieldDeleted marks the node as removed from the live tree. The
	// node itself is never destroyed and stays resolvable at past
	// versions. All kinds.
	FieldDeleted Field = "deleted"
)

var fieldsByKind = map[Kind][]Field{
	KindDirectory:  {FieldName, FieldChildren, FieldDeleted},
	KindTextFile:   {FieldName, FieldData, FieldDeleted},
	KindBinaryFile: {FieldName, FieldData, FieldDeleted},
}

// Fields returns the enumerable field set for a kind.
func Fields(k Kind) []Field {
	fs := fieldsByKind[k]
	out := make([]Field, len(fs))
	copy(out, fs)
	return out
}

// ValidField reports whether f is writable on nodes of kind k.
func ValidField(k Kind, f Field) bool {
	for _, known := range fieldsByKind[k] {
		if known == f {
			return true
		}
	}
	return false
}
