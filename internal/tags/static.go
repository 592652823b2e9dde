// Package tags supplies the authorized id-tag pools stations draw from,
// either inline from the station template or shared through Redis.
package tags

import "context"

// StaticProvider serves a fixed tag list from the station template.
type StaticProvider struct {
	tags []string
}

// NewStaticProvider copies the given tags.
func NewStaticProvider(tags []string) *StaticProvider {
	out := make([]string, len(tags))
	copy(out, tags)
	return &StaticProvider{tags: out}
}

func (p *StaticProvider) IdTags(context.Context) ([]string, error) {
	return p.tags, nil
}
