package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/openfroyo/gridlab/pkg/config"
)

// Variant is one resolved configuration of a grid.
type Variant struct {
	Index  int
	Tag    string
	Config map[string]any
}

// Expand resolves grid into its variants: the cartesian product of the
// grid_search axes, repeated numSamples times, with sampled axes drawn from
// rng for every variant. A nil grid yields a single empty variant per sample.
func Expand(grid *config.GridSpec, numSamples int, rng *rand.Rand) []Variant {
	if numSamples < 1 {
		numSamples = 1
	}
	if grid == nil {
		grid = &config.GridSpec{}
	}

	var gridAxes []config.Axis
	var sampled []config.Axis
	for _, a := range grid.Axes {
		if _, ok := a.Dist.(config.GridSearch); ok {
			gridAxes = append(gridAxes, a)
		} else {
			sampled = append(sampled, a)
		}
	}
	combos := product(gridAxes)

	variants := make([]Variant, 0, numSamples*len(combos))
	for sample := 0; sample < numSamples; sample++ {
		for _, combo := range combos {
			cfg := make(map[string]any, len(grid.Constants)+len(grid.Axes))
			for k, v := range grid.Constants {
				cfg[k] = v
			}
			resolved := make(map[string]any, len(grid.Axes))
			for k, v := range combo {
				resolved[k] = v
			}
			for _, a := range sampled {
				if s, ok := a.Dist.(config.Sampler); ok {
					resolved[a.Key] = s.Sample(rng)
				}
			}
			for k, v := range resolved {
				cfg[k] = v
			}

			variants = append(variants, Variant{
				Index:  len(variants),
				Tag:    tag(resolved),
				Config: cfg,
			})
		}
	}
	return variants
}

// product enumerates grid_search combinations with the last axis varying
// fastest.
func product(axes []config.Axis) []map[string]any {
	combos := []map[string]any{{}}
	for _, a := range axes {
		values := a.Dist.(config.GridSearch).Values
		next := make([]map[string]any, 0, len(combos)*len(values))
		for _, c := range combos {
			for _, v := range values {
				m := make(map[string]any, len(c)+1)
				for k, cv := range c {
					m[k] = cv
				}
				m[a.Key] = v
				next = append(next, m)
			}
		}
		combos = next
	}
	return combos
}

// tag renders the resolved axes as key=value pairs sorted by key.
func tag(resolved map[string]any) string {
	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + formatValue(resolved[k])
	}
	return sanitize(strings.Join(parts, ","))
}

func formatValue(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', 4, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', 4, 32)
	case string:
		return n
	default:
		return fmt.Sprint(v)
	}
}

// sanitize keeps a tag usable as a path component.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// trialDirName is <trainable>_<index>_<tag>_<id>, without the tag when the
// trial has no search dimensions.
func trialDirName(trainable string, v Variant, id string) string {
	if v.Tag == "" {
		return fmt.Sprintf("%s_%d_%s", trainable, v.Index, id)
	}
	return fmt.Sprintf("%s_%d_%s_%s", trainable, v.Index, truncateTag(v.Tag), id)
}

// maxDirTagLen bounds the tag part of a trial directory name. The trial ID
// keeps truncated names unique.
const maxDirTagLen = 100

func truncateTag(tag string) string {
	if len(tag) <= maxDirTagLen {
		return tag
	}
	cut := maxDirTagLen
	for cut > 0 && !utf8.RuneStart(tag[cut]) {
		cut--
	}
	return tag[:cut]
}
