// Copyright (C) 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aggregate

import (
	"sort"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/resolve"
)

// topPipelines is the visitor of spec §4.7 step 2: it carries a mutable
// current-pipeline-per-bindpoint slot, recurses through execute-commands
// into secondary records, and credits each pipeline-consuming command's
// ticks to the slot its kind draws from. Keyed by pipeline fingerprint,
// tie-broken by stable first-seen order.
type topPipelines struct {
	current [3]struct {
		ok          bool
		handle      api.Handle
		fingerprint api.Fingerprint
	}
	entries map[api.Fingerprint]*api.TopPipelineEntry
	seen    int
}

func (v *topPipelines) visitRecord(rr *resolve.RecordResult) {
	for i := range rr.Commands {
		cr := &rr.Commands[i]
		switch cr.Command.Kind {
		case api.CmdBindPipeline:
			slot := &v.current[cr.Command.Params.BindPoint]
			slot.ok = true
			slot.handle = cr.Command.Params.Pipeline
			slot.fingerprint = cr.Command.Params.PipelineFingerprint

		case api.CmdExecuteCommands:
			// The secondary's recorded binds mutate the same visitor
			// state: a secondary may leave bind state dangling for the
			// capturing primary (spec §4.4 "Pipeline attribution").
			for j := range cr.Secondaries {
				v.visitRecord(&cr.Secondaries[j])
			}

		default:
			if !cr.Command.Kind.DrawsOrDispatches() {
				continue
			}
			slot := v.current[kindBindPoint(cr.Command.Kind)]
			if !slot.ok {
				continue
			}
			e, ok := v.entries[slot.fingerprint]
			if !ok {
				e = &api.TopPipelineEntry{
					Fingerprint: slot.fingerprint,
					Handle:      slot.handle,
					FirstSeen:   v.seen,
				}
				v.seen++
				v.entries[slot.fingerprint] = e
			}
			e.Ticks += cr.DurationTicks
		}
	}
}

func (v *topPipelines) sorted() []api.TopPipelineEntry {
	out := make([]api.TopPipelineEntry, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticks != out[j].Ticks {
			return out[i].Ticks > out[j].Ticks
		}
		return out[i].FirstSeen < out[j].FirstSeen
	})
	return out
}
