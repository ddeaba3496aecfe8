package output

import (
	"fmt"
	"strings"

	"closurizer/internal/closure"
)

// Section constants to avoid hardcoded strings
const (
	SectionInputs    = "inputs"
	SectionEngine    = "engine"
	SectionRelations = "relations"
	SectionOutputs   = "outputs"
)

// Status values of a summary item.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
)

// UI/view-model types (no printing here)
type Item struct {
	Key    string
	Label  string
	Value  string
	Status string
	Note   string
}

type Section struct {
	ID    string // inputs/engine/relations/outputs
	Title string
	Items []Item
}

type SummaryView struct {
	RunID    string
	DryRun   bool
	Elapsed  string
	Sections []Section
	Warnings []string
}

// BuildSummary converts a run report into UI-ready sections.
func BuildSummary(r *Report) SummaryView {
	sec := map[string]*Section{
		SectionInputs:    {ID: SectionInputs, Title: "Inputs"},
		SectionEngine:    {ID: SectionEngine, Title: "Engine"},
		SectionRelations: {ID: SectionRelations, Title: "Relations"},
		SectionOutputs:   {ID: SectionOutputs, Title: "Outputs"},
	}

	in := sec[SectionInputs]
	in.Items = append(in.Items, Item{Key: "mode", Label: "Source", Value: r.Mode})
	if r.Inputs.KGArchive != "" {
		in.Items = append(in.Items, Item{Key: "kg_archive", Label: "KG archive", Value: r.Inputs.KGArchive})
	}
	if r.Inputs.InputDatabase != "" {
		in.Items = append(in.Items, Item{Key: "input_database", Label: "Input store", Value: r.Inputs.InputDatabase})
	}
	store := r.Inputs.Database
	if store == "" {
		store = "in-memory"
	}
	in.Items = append(in.Items,
		Item{Key: "database", Label: "Store", Value: store},
		Item{Key: "closure_file", Label: "Closure file", Value: r.Inputs.ClosureFile},
		Item{Key: "edge_fields", Label: "Edge fields", Value: strings.Join(r.EdgeFields, ", ")},
	)

	eng := sec[SectionEngine]
	eng.Items = append(eng.Items,
		Item{Key: "threads", Label: "Threads", Value: orDefault(r.Engine.Threads, "")},
		Item{Key: "memory_limit", Label: "Memory limit", Value: orDefault(r.Engine.MemoryLimitGB, "GB")},
	)
	if r.Engine.TempDirectory != "" {
		eng.Items = append(eng.Items, Item{Key: "temp_directory", Label: "Spill directory", Value: r.Engine.TempDirectory})
	}

	rel := sec[SectionRelations]
	if r.DryRun {
		rel.Items = append(rel.Items, Item{Key: "dry_run", Label: "Dry run", Value: "no relations built", Status: StatusWarn})
	} else {
		rel.Items = append(rel.Items,
			countItem("nodes", "Nodes", r.Relations.Nodes),
			countItem("edges", "Edges", r.Relations.Edges),
			countItem("closure_rows", "Closure rows", r.Relations.ClosureRows),
			Item{
				Key:   "node_closure",
				Label: "Node closures",
				Value: fmt.Sprintf("%d", r.Relations.NodeClosure),
				Note:  fmt.Sprintf("%d with ancestors", r.Relations.NodesWithAncestor),
			},
			edgeCountItem(r.Relations.Edges, r.Relations.DenormalizedEdges),
		)
		if r.Relations.DenormalizedNodes > 0 {
			rel.Items = append(rel.Items, countItem("denormalized_nodes", "Denormalized nodes", r.Relations.DenormalizedNodes))
		}
	}

	outs := sec[SectionOutputs]
	for _, o := range r.Outputs {
		it := Item{
			Key:   o.Relation,
			Label: o.Relation,
			Value: o.Path,
			Note:  fmt.Sprintf("%d columns", len(o.Columns)),
		}
		if !r.DryRun {
			it.Note = fmt.Sprintf("%d rows, %d columns", o.Rows, len(o.Columns))
			it.Status = StatusOK
		}
		outs.Items = append(outs.Items, it)
	}

	return SummaryView{
		RunID:   r.RunID,
		DryRun:  r.DryRun,
		Elapsed: r.Elapsed,
		Sections: []Section{
			*sec[SectionInputs],
			*sec[SectionEngine],
			*sec[SectionRelations],
			*sec[SectionOutputs],
		},
		Warnings: r.Warnings,
	}
}

// LookupView is the view-model of a closure lookup.
type LookupView struct {
	Sections []Section
}

// BuildLookup turns lookup entries into one section per ID.
func BuildLookup(entries []closure.Entry, listDelimiter string) LookupView {
	var v LookupView
	for _, e := range entries {
		s := Section{ID: e.ID, Title: e.ID}
		if !e.Found {
			s.Items = append(s.Items, Item{Key: "found", Label: "Status", Value: "not in node_closure", Status: StatusWarn})
			v.Sections = append(v.Sections, s)
			continue
		}
		s.Items = append(s.Items,
			Item{Key: "name", Label: "Name", Value: e.Name},
			Item{Key: "category", Label: "Category", Value: e.Category},
			Item{Key: "namespace", Label: "Namespace", Value: e.Namespace},
			Item{Key: "closure", Label: "Closure", Value: e.Closure.Join(listDelimiter),
				Note: fmt.Sprintf("%d members", len(e.Closure))},
			Item{Key: "closure_label", Label: "Closure labels", Value: strings.Join(e.Labels, listDelimiter)},
		)
		v.Sections = append(v.Sections, s)
	}
	return v
}

func (v SummaryView) SectionByID(id string) *Section {
	for i := range v.Sections {
		if v.Sections[i].ID == id {
			return &v.Sections[i]
		}
	}
	return nil
}

func (s Section) ItemByKey(key string) *Item {
	for i := range s.Items {
		if s.Items[i].Key == key {
			return &s.Items[i]
		}
	}
	return nil
}

func countItem(key, label string, n int64) Item {
	return Item{Key: key, Label: label, Value: fmt.Sprintf("%d", n)}
}

// edgeCountItem flags a denormalized edge count that differs from the input.
func edgeCountItem(in, out int64) Item {
	it := countItem("denormalized_edges", "Denormalized edges", out)
	it.Status = StatusOK
	if in != out {
		it.Status = StatusWarn
		it.Note = fmt.Sprintf("input had %d", in)
	}
	return it
}

func orDefault(n int, unit string) string {
	if n <= 0 {
		return "default"
	}
	return fmt.Sprintf("%d%s", n, unit)
}
