// Package schema declares the expected types of graph state fields.
//
// Graphs attach a Schema to their state so values written by reviewers
// (replace decisions) are checked before any node sees them:
//
//	s := schema.Schema{
//	    "draft": schema.String(),
//	    "limit": schema.Int(),
//	    "tags":  schema.List(schema.String()),
//	}
//	err := s.Check(map[string]any{"limit": 2.0, "tags": []any{"a"}})
//
// Values are checked in the shapes JSON and YAML decoders produce, so a
// whole float64 is a valid int and []any is a valid list.
package schema
