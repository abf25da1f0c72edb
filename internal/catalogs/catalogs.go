// Package catalogs loads the ritual reference data: bases and ingredient
// modifiers.
package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"chodenet.ai/internal/ritual"
)

//go:embed rituals.json
var defaultCatalog []byte

type Catalog struct {
	Bases       []ritual.Base       `json:"bases"`
	Ingredients []ritual.Ingredient `json:"ingredients"`

	BaseByID       map[string]ritual.Base       `json:"-"`
	IngredientByID map[string]ritual.Ingredient `json:"-"`
	Digest         string                       `json:"-"`
}

var knownTypes = map[string]bool{
	ritual.TypeDivination:          true,
	ritual.TypeEnhancement:         true,
	ritual.TypeCommunication:       true,
	ritual.TypeRealityManipulation: true,
}

// Load reads a catalog file. An empty path loads the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("rituals.json: %w", err)
	}
	if len(c.Bases) == 0 {
		return nil, fmt.Errorf("rituals.json: no bases")
	}

	c.BaseByID = make(map[string]ritual.Base, len(c.Bases))
	for _, b := range c.Bases {
		if b.ID == "" {
			return nil, fmt.Errorf("rituals.json: base with empty id")
		}
		if _, dup := c.BaseByID[b.ID]; dup {
			return nil, fmt.Errorf("rituals.json: duplicate base %q", b.ID)
		}
		if !knownTypes[b.RitualType] {
			return nil, fmt.Errorf("rituals.json: base %q: unknown ritual_type %q", b.ID, b.RitualType)
		}
		if b.BaseCost <= 0 {
			return nil, fmt.Errorf("rituals.json: base %q: base_cost must be > 0", b.ID)
		}
		c.BaseByID[b.ID] = b
	}

	c.IngredientByID = make(map[string]ritual.Ingredient, len(c.Ingredients))
	for _, ing := range c.Ingredients {
		if ing.ID == "" {
			return nil, fmt.Errorf("rituals.json: ingredient with empty id")
		}
		if _, dup := c.IngredientByID[ing.ID]; dup {
			return nil, fmt.Errorf("rituals.json: duplicate ingredient %q", ing.ID)
		}
		if ing.CostModifier <= 0 {
			return nil, fmt.Errorf("rituals.json: ingredient %q: cost_modifier must be > 0", ing.ID)
		}
		c.IngredientByID[ing.ID] = ing
	}

	// Digest covers the canonical (id-sorted) form so reordering the file
	// does not change it.
	canon := struct {
		Bases       []ritual.Base       `json:"bases"`
		Ingredients []ritual.Ingredient `json:"ingredients"`
	}{sortedBases(c.Bases), sortedIngredients(c.Ingredients)}
	b, _ := json.Marshal(canon)
	c.Digest = sha256Hex(b)
	return &c, nil
}

func sortedBases(in []ritual.Base) []ritual.Base {
	out := append([]ritual.Base(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedIngredients(in []ritual.Ingredient) []ritual.Ingredient {
	out := append([]ritual.Ingredient(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
