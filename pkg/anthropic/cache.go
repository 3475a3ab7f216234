package anthropic

// BuildCachedSystemBlocks constructs a system block with a cache breakpoint.
// Every row of a job shares the same system prompt, so after the first call
// the prompt is read from the cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
