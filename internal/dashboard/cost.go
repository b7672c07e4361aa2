package dashboard

import "time"

// maxCostRecords bounds the per-call history kept in the front matter.
const maxCostRecords = 100

// RecordAPICall appends a call record and recomputes the aggregates.
// It returns true when this call pushed the total over the warning
// threshold for the first time; the caller is expected to emit one
// IPC warning to the owner on that edge.
func (s *Store) RecordAPICall(rec APICallRecord, thresholdUSD float64) (bool, error) {
	crossed := false
	err := s.Mutate(func(d *Dashboard) error {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		c := &d.Cost
		if thresholdUSD > 0 {
			c.WarningThresholdUSD = thresholdUSD
		}
		c.Calls = append(c.Calls, rec)
		if len(c.Calls) > maxCostRecords {
			c.Calls = c.Calls[len(c.Calls)-maxCostRecords:]
		}
		c.TotalAPICalls++
		c.EstimatedTokens += rec.Tokens
		c.EstimatedCostUSD += rec.EstimatedCostUSD
		if rec.ActualCostUSD != nil {
			if c.ActualCostByAgent == nil {
				c.ActualCostByAgent = map[string]float64{}
			}
			// Status-line cost is a running total per agent; keep the
			// latest snapshot rather than summing deltas.
			c.ActualCostByAgent[rec.AgentID] = *rec.ActualCostUSD
			c.ActualCostUSD = 0
			for _, v := range c.ActualCostByAgent {
				c.ActualCostUSD += v
			}
		}
		// The total is the reported actual costs plus the summed
		// estimates of every recorded call.
		c.TotalCostUSD = c.ActualCostUSD + c.EstimatedCostUSD

		if c.WarningThresholdUSD > 0 && c.TotalCostUSD >= c.WarningThresholdUSD && !c.WarningIssued {
			c.WarningIssued = true
			crossed = true
		}
		return nil
	})
	return crossed, err
}

// ResetCost clears the cost counters and the warning edge.
func (s *Store) ResetCost() error {
	return s.Mutate(func(d *Dashboard) error {
		threshold := d.Cost.WarningThresholdUSD
		d.Cost = CostInfo{WarningThresholdUSD: threshold}
		return nil
	})
}

// SetCostWarningThreshold updates the threshold and re-arms the
// warning when the new threshold is above the current total.
func (s *Store) SetCostWarningThreshold(usd float64) error {
	return s.Mutate(func(d *Dashboard) error {
		d.Cost.WarningThresholdUSD = usd
		if d.Cost.TotalCostUSD < usd {
			d.Cost.WarningIssued = false
		}
		return nil
	})
}
