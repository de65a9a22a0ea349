package models

// ProgressUnit describes one granular progress step reported by the server
// while a job runs, e.g. step 3 of 20 in "steps".
type ProgressUnit struct {
	Index    int      `json:"index"`
	Length   *int     `json:"length,omitempty"`
	Unit     string   `json:"unit"`
	Progress *float64 `json:"progress,omitempty"`
	Desc     *string  `json:"desc,omitempty"`
}

// Equal compares two units by value
func (p ProgressUnit) Equal(other ProgressUnit) bool {
	return p.Index == other.Index &&
		p.Unit == other.Unit &&
		equalPtr(p.Length, other.Length) &&
		equalPtr(p.Progress, other.Progress) &&
		equalPtr(p.Desc, other.Desc)
}

// Clone returns a copy that shares no pointers with p
func (p ProgressUnit) Clone() ProgressUnit {
	out := p
	if p.Length != nil {
		out.Length = Ptr(*p.Length)
	}
	if p.Progress != nil {
		out.Progress = Ptr(*p.Progress)
	}
	if p.Desc != nil {
		out.Desc = Ptr(*p.Desc)
	}
	return out
}
