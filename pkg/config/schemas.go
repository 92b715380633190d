package config

// gridSchema constrains CUE grid files: top-level keys are parameter names
// and distribution entries must be well formed.
const gridSchema = `
#Bounds: [number, number]

#Distribution: {grid_search: [_, ...]} |
	{choice: [_, ...]} |
	{uniform: #Bounds} |
	{loguniform: #Bounds} |
	{randint: [int, int]}

#Grid: {
	[=~"^[A-Za-z_][A-Za-z0-9_.-]*$"]: _
}
`
