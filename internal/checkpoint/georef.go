package checkpoint

import "time"

// GeorefProgress is the durable state of the georeference stage.
type GeorefProgress struct {
	CompletedBatches []int              `json:"completed_batches"`
	BatchDetails     map[int]BatchStats `json:"batch_details"`
	LastUpdate       time.Time          `json:"last_update"`
}

func (p *GeorefProgress) Stamp(now time.Time) { p.LastUpdate = now }

// IsCompleted reports whether batch num was fully processed.
func (p *GeorefProgress) IsCompleted(num int) bool {
	return containsInt(p.CompletedBatches, num)
}

// Details returns the stats recorded for batch num.
func (p *GeorefProgress) Details(num int) (BatchStats, bool) {
	s, ok := p.BatchDetails[num]
	return s, ok
}

// RecordBatch stores stats for a batch and marks it completed when the pass
// was not interrupted.
func (p *GeorefProgress) RecordBatch(stats BatchStats, completed bool) {
	if p.BatchDetails == nil {
		p.BatchDetails = make(map[int]BatchStats)
	}
	p.BatchDetails[stats.Batch] = stats
	if completed {
		p.CompletedBatches = addInt(p.CompletedBatches, stats.Batch)
	} else {
		p.CompletedBatches = removeInt(p.CompletedBatches, stats.Batch)
	}
}
