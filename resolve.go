package tide

// ============================================================================
// Reply-Link Resolver
// ============================================================================

// ResolveReplyLinks attaches resolved ReplyTo snapshots to every message in
// the batch that carries a raw reply reference.
//
// Two passes on purpose: a reply can appear earlier in network order than the
// message it references, so the id map has to be complete before any lookup.
// References that point outside the batch are left unresolved; the raw
// ReplyToID is kept so a later batch can resolve them.
func ResolveReplyLinks(msgs []Message) {
	byID := make(map[string]*Message, len(msgs))
	for i := range msgs {
		if msgs[i].ID != "" {
			byID[msgs[i].ID] = &msgs[i]
		}
	}
	for i := range msgs {
		ref := msgs[i].ReplyToID
		if ref == "" || msgs[i].ReplyTo != nil {
			continue
		}
		target, ok := byID[ref]
		if !ok {
			continue
		}
		msgs[i].ReplyTo = &ReplyRef{
			ID:      target.ID,
			Content: target.Content,
			Sender:  target.Sender,
		}
	}
}
