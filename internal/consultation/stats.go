package consultation

// Stats 聚合了问询状态的统计信息。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(c *Consultation) {
	s.Total++
	switch c.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if c.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = c.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (c.UpdatedAt != 0 && c.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = c.UpdatedAt
	}
}
