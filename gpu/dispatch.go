package gpu

import "fmt"

// GroupCountAndBatches splits total work items of perGroup items each into
// batches dispatches of groupCount groups, with groupCount <= maxGroups.
//
// When more than one batch is needed the group count starts at maxGroups,
// the batch count grows until the work is covered, and then the group count
// shrinks until it no longer exceeds the work and grows back by the last
// step needed to cover it.
func GroupCountAndBatches(total, perGroup, maxGroups uint32) (groupCount, batches uint32) {
	if total == 0 || perGroup == 0 || maxGroups == 0 {
		return 0, 0
	}

	groups := total / perGroup
	if groups == 0 {
		groups = total
	} else {
		for uint64(groups)*uint64(perGroup) < uint64(total) {
			groups++
		}
	}

	batches = groups / maxGroups
	if batches == 0 {
		return groups, 1
	}
	if groups%maxGroups > 0 {
		batches++
	}
	groupCount = maxGroups

	covered := func() uint64 { return uint64(groupCount) * uint64(batches) * uint64(perGroup) }
	for covered() < uint64(total) {
		batches++
	}
	for covered() > uint64(total) {
		groupCount--
	}
	for covered() < uint64(total) {
		groupCount++
	}
	return groupCount, batches
}

// Dispatch runs p over total work items. Each batch is recorded into the
// shared command buffer, submitted and waited on before the next one starts,
// so a failure leaves no batch half-written. Dispatch has no timeout.
func (c *Context) Dispatch(p *Pipeline, total, perGroup uint32, params Params) error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrInvalidArgument)
	}
	groups, batches := GroupCountAndBatches(total, perGroup, c.limits.MaxWorkgroupsPerDimension)
	if batches == 0 {
		return fmt.Errorf("%w: %s dispatch of %d items in groups of %d", ErrInvalidArgument, p.kind, total, perGroup)
	}
	if batches > 1 {
		c.log.Debug("dispatch split", "kernel", p.kind, "items", total, "groups", groups, "batches", batches)
	}

	cb := c.cmd
	for batch := uint32(0); batch < batches; batch++ {
		params.SetBatch(batch, batches)
		if err := cb.Begin(); err != nil {
			cb.Reset()
			return err
		}
		cb.BindPipeline(p)
		cb.PushParams(params.Bytes())
		cb.Dispatch(groups)
		if err := cb.End(); err != nil {
			return err
		}
		if err := c.Submit(cb); err != nil {
			return fmt.Errorf("%s batch %d/%d: %w", p.kind, batch+1, batches, err)
		}
	}
	return nil
}
