package planner

import (
	"context"
)

// Cache memoizes plans for one processing pass. Create a new Cache for every
// pass so schema or mapping changes are picked up.
type Cache struct {
	resolver *Resolver
	plans    map[string]*Plan
}

// NewCache creates an empty plan cache
func NewCache(resolver *Resolver) *Cache {
	return &Cache{resolver: resolver, plans: make(map[string]*Plan)}
}

// Plan returns the plan of a form group, building it on first use
func (c *Cache) Plan(ctx context.Context, formGroup string) (*Plan, error) {
	if plan, ok := c.plans[formGroup]; ok {
		return plan, nil
	}
	plan, err := c.resolver.BuildPlan(ctx, formGroup)
	if err != nil {
		return nil, err
	}
	c.plans[formGroup] = plan
	return plan, nil
}
