package client

// Measure records a sample of the measure with the given id. Unknown ids
// become measures of this application that publish every sample immediately.
func (c *Client) Measure(id string, value float64) {
	c.MeasureEntity(id, "", value)
}

// MeasureEntity records a sample for one entity of an entity keyed measure.
func (c *Client) MeasureEntity(id, entity string, value float64) {
	if id == "" {
		return
	}
	m := c.registry.ResolveMeasure(id)
	c.registry.RegisterMeasure(m)
	c.measures.Add(m, entity, value)
}

// MeasureWith records a sample of a fully described measure, registering it first.
func (c *Client) MeasureWith(m Measure, entity string, value float64) {
	if m.ID == "" {
		return
	}
	if m.Application == "" {
		m.Application = c.cfg.Application
	}
	c.registry.RegisterMeasure(m)
	c.measures.Add(m, entity, value)
}

// RegisterMeasure announces a measure this client will sample. It reports whether it was new.
func (c *Client) RegisterMeasure(m Measure) bool {
	return c.registry.RegisterMeasure(m)
}

// SetTimeScale makes measurement windows follow simulated rather than wall time.
func (c *Client) SetTimeScale(scale float64) {
	c.measures.SetTimeScale(scale)
}

func (c *Client) TimeScale() float64 {
	return c.measures.TimeScale()
}

// FlushMeasures publishes every window that is due now.
func (c *Client) FlushMeasures() {
	c.measures.Flush()
}
