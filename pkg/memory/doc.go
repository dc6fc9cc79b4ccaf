// Package memory stores short per-owner facts and retrieves them with hybrid
// lexical + vector search.
//
// Invariants:
// - Normalized-equal content for one owner and type merges into one record.
// - Conflict links between records are always bidirectional.
// - Vector offsets are append-only and never reused after deletion.
// - Index-layer failures degrade search and save; they never fail them.
//
// Usage:
//
//	eng, _ := memory.New(memory.Config{DBPath: "/data/ingat.db"})
//	defer eng.Close()
//	id, _ := eng.Save(ctx, "owner-1", "Alice email is alice@example.com", memory.TypeUserInfo, nil)
//	snippets, _ := eng.SearchSnippets(ctx, "owner-1", "alice email", nil)
//	rec, _ := eng.GetDetail(ctx, "owner-1", id)
//	_ = snippets
//	_ = rec
package memory
