package guide

import (
	"fmt"
	"os"
	"strings"

	"fixdad/server/internal/model"

	"gopkg.in/yaml.v3"
)

// GenericPlanID 是兜底计划的 ID，目录中必须存在。
const GenericPlanID = "generic"

// Catalog 是固定的引导计划目录，按 (category, fixture) 亲和度选择。
type Catalog struct {
	plans      map[string]*model.GuidePlan
	byExact    map[string]string // category|fixture -> plan id
	byCategory map[string]string // category -> plan id
}

type catalogFile struct {
	Plans []model.GuidePlan `yaml:"plans"`
}

// LoadCatalog 从 YAML 文件加载计划目录；path 为空时返回内置目录。
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(file.Plans)
}

// NewCatalog 校验并索引计划。StepID 按顺序重新编号，保证从 1 连续。
func NewCatalog(plans []model.GuidePlan) (*Catalog, error) {
	c := &Catalog{
		plans:      make(map[string]*model.GuidePlan),
		byExact:    make(map[string]string),
		byCategory: make(map[string]string),
	}
	for i := range plans {
		p := plans[i]
		if p.ID == "" {
			return nil, fmt.Errorf("plan #%d has empty id", i)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("plan %q has no steps", p.ID)
		}
		steps := make([]model.Step, len(p.Steps))
		for j, s := range p.Steps {
			s.StepID = j + 1
			steps[j] = s
		}
		p.Steps = steps
		c.plans[p.ID] = &p

		category, fixture := normalize(p.Category), normalize(p.Fixture)
		switch {
		case category != "" && fixture != "":
			c.byExact[category+"|"+fixture] = p.ID
		case category != "":
			c.byCategory[category] = p.ID
		}
	}
	if _, ok := c.plans[GenericPlanID]; !ok {
		return nil, fmt.Errorf("catalog must contain a %q plan", GenericPlanID)
	}
	return c, nil
}

// Get 按 ID 返回计划。
func (c *Catalog) Get(id string) (*model.GuidePlan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Select 选择计划：先精确匹配 (category, fixture)，再匹配 category，最后用通用计划。
// fixture 匹配允许包含关系（例如 "toilet bowl" 命中 "toilet"）。
func (c *Catalog) Select(category, fixture string) *model.GuidePlan {
	category, fixture = normalize(category), normalize(fixture)
	if category != "" && fixture != "" {
		if id, ok := c.byExact[category+"|"+fixture]; ok {
			return c.plans[id]
		}
		// 确定性：按计划 ID 顺序取第一个包含匹配。
		var best string
		for key, id := range c.byExact {
			cat, fx, _ := strings.Cut(key, "|")
			if cat == category && strings.Contains(fixture, fx) {
				if best == "" || id < best {
					best = id
				}
			}
		}
		if best != "" {
			return c.plans[best]
		}
	}
	if id, ok := c.byCategory[category]; ok {
		return c.plans[id]
	}
	return c.plans[GenericPlanID]
}

// Len 返回计划数量。
func (c *Catalog) Len() int { return len(c.plans) }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
