package catalogs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chodenet.ai/internal/ritual"
)

func TestDefault_Loads(t *testing.T) {
	c := Default()
	if len(c.Bases) == 0 || len(c.Ingredients) == 0 {
		t.Fatalf("bases=%d ingredients=%d", len(c.Bases), len(c.Ingredients))
	}
	if len(c.Digest) != 64 {
		t.Fatalf("digest=%q", c.Digest)
	}
	for _, typ := range []string{ritual.TypeDivination, ritual.TypeEnhancement, ritual.TypeCommunication, ritual.TypeRealityManipulation} {
		found := false
		for _, b := range c.Bases {
			if b.RitualType == typ {
				found = true
			}
		}
		if !found {
			t.Fatalf("no base of type %s", typ)
		}
	}
}

func TestLoad_FileMatchesParse(t *testing.T) {
	raw := `{
  "bases": [{"id":"b1","name":"B1","base_cost":100,"base_corruption":10,"base_success_rate":50,"ritual_type":"divination"}],
  "ingredients": [{"id":"i1","name":"I1","cost_modifier":1.5,"corruption_modifier":5,"success_modifier":-5}]
}`
	path := filepath.Join(t.TempDir(), "rituals.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := ritual.Base{ID: "b1", Name: "B1", BaseCost: 100, BaseCorruption: 10, BaseSuccessRate: 50, RitualType: "divination"}
	if diff := cmp.Diff(want, c.BaseByID["b1"]); diff != "" {
		t.Fatalf("base mismatch (-want +got):\n%s", diff)
	}
	wantIng := ritual.Ingredient{ID: "i1", Name: "I1", CostModifier: 1.5, CorruptionModifier: 5, SuccessModifier: -5}
	if diff := cmp.Diff(wantIng, c.IngredientByID["i1"]); diff != "" {
		t.Fatalf("ingredient mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_DigestIgnoresOrder(t *testing.T) {
	a := `{"bases":[
 {"id":"a","base_cost":1,"ritual_type":"divination"},
 {"id":"b","base_cost":2,"ritual_type":"enhancement"}],"ingredients":[]}`
	b := `{"bases":[
 {"id":"b","base_cost":2,"ritual_type":"enhancement"},
 {"id":"a","base_cost":1,"ritual_type":"divination"}],"ingredients":[]}`
	ca, err := Parse([]byte(a))
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	cb, err := Parse([]byte(b))
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if ca.Digest != cb.Digest {
		t.Fatalf("digest differs: %s vs %s", ca.Digest, cb.Digest)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"no bases":        `{"bases":[]}`,
		"empty id":        `{"bases":[{"id":"","base_cost":1,"ritual_type":"divination"}]}`,
		"dup base":        `{"bases":[{"id":"x","base_cost":1,"ritual_type":"divination"},{"id":"x","base_cost":1,"ritual_type":"divination"}]}`,
		"unknown type":    `{"bases":[{"id":"x","base_cost":1,"ritual_type":"alchemy"}]}`,
		"zero cost":       `{"bases":[{"id":"x","base_cost":0,"ritual_type":"divination"}]}`,
		"dup ingredient":  `{"bases":[{"id":"x","base_cost":1,"ritual_type":"divination"}],"ingredients":[{"id":"i","cost_modifier":1},{"id":"i","cost_modifier":1}]}`,
		"zero multiplier": `{"bases":[{"id":"x","base_cost":1,"ritual_type":"divination"}],"ingredients":[{"id":"i","cost_modifier":0}]}`,
		"bad json":        `{"bases":`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		} else if !strings.Contains(err.Error(), "rituals.json") {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
}
