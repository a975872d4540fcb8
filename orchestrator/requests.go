package orchestrator

import (
	"fmt"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/providers"
	"github.com/btangonan/nano-banana-runner-sub001/refpack"
)

// BuildRequests expands prompt rows into provider requests, one per row and
// variant. Item ids are positional ("r003-v2") so outputs sort alongside
// their prompts and reruns land on the same filenames. Every item carries
// the deduplicated reference payloads, capped at maxRefs.
func BuildRequests(rows []core.PromptRow, variants int, reg *refpack.Registry, maxRefs int) []providers.Request {
	var refs []providers.Reference
	if reg != nil {
		entries := reg.Entries()
		if maxRefs > 0 && len(entries) > maxRefs {
			entries = entries[:maxRefs]
		}
		refs = make([]providers.Reference, len(entries))
		for i, e := range entries {
			refs[i] = providers.Reference{Data: e.Data(), MIMEType: e.MIMEType}
		}
	}

	items := make([]providers.Request, 0, len(rows)*variants)
	for i, row := range rows {
		for v := 1; v <= variants; v++ {
			items = append(items, providers.Request{
				ItemID: fmt.Sprintf("r%03d-v%d", i, v),
				Prompt: row.Prompt,
				Seed:   row.Seed,
				Refs:   refs,
			})
		}
	}
	return items
}
