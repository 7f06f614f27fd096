package quota

// Base costs per unit of work, before the model multiplier.
const (
	GenerateImageBaseCost     = 1
	ScientificDrawingBaseCost = 2
	OutlineBaseCost           = 1
	BatchUnitBaseCost         = 1
)

var editToolCosts = map[string]int{
	"edit":              1,
	"remove_background": 1,
	"upscale":           2,
	"outpaint":          2,
	"style_transfer":    2,
	"restore":           3,
}

// EditToolCost returns the base cost of an edit tool and whether it exists.
func EditToolCost(tool string) (int, bool) {
	c, ok := editToolCosts[tool]
	return c, ok
}

// EditTools lists the supported edit tools.
func EditTools() []string {
	tools := make([]string, 0, len(editToolCosts))
	for t := range editToolCosts {
		tools = append(tools, t)
	}
	return tools
}
