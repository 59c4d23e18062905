package runtime

import (
	"fmt"
	"strings"
)

// Category is the closed set of specialist work categories a plan can fan out to.
type Category string

const (
	CategoryCoding      Category = "coding"
	CategoryResearch    Category = "research"
	CategoryReasoning   Category = "reasoning"
	CategoryVision      Category = "vision"
	CategoryTranslation Category = "translation"
)

// Categories lists every category in enum order.
func Categories() []Category {
	return []Category{CategoryCoding, CategoryResearch, CategoryReasoning, CategoryVision, CategoryTranslation}
}

func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coding", "code":
		return CategoryCoding, nil
	case "research":
		return CategoryResearch, nil
	case "reasoning":
		return CategoryReasoning, nil
	case "vision", "image":
		return CategoryVision, nil
	case "translation", "translate":
		return CategoryTranslation, nil
	default:
		return "", fmt.Errorf("invalid category: %q", s)
	}
}

func (c Category) Valid() bool {
	return c.Rank() >= 0
}

// Rank is the category's position in enum order, or -1 for unknown values.
func (c Category) Rank() int {
	for i, known := range Categories() {
		if c == known {
			return i
		}
	}
	return -1
}
