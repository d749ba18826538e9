// Package catalog reads and writes the YAML files that describe the items a
// node offers. Each file is one category; the category id is the file name
// without its extension, lowercased.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateItem = errors.New("duplicate item id")
	ErrUnsafePath    = errors.New("path escapes catalog directory")
)

const defaultIcon = "CHEST"

// CategorySpec is the `category` block of a catalog file.
type CategorySpec struct {
	Name string `yaml:"name"`
	Icon string `yaml:"icon"`
	Slot int    `yaml:"slot"`
}

// ItemSpec is one entry under `items`. The rate overrides are pointers so
// an absent key falls back to the node-wide rate.
type ItemSpec struct {
	Material string   `yaml:"material"`
	Name     string   `yaml:"name"`
	Buy      float64  `yaml:"buy"`
	Sell     float64  `yaml:"sell"`
	Dynamic  bool     `yaml:"dynamic"`
	OneTime  bool     `yaml:"one-time"`
	BuyRate  *float64 `yaml:"buy-rate,omitempty"`
	SellRate *float64 `yaml:"sell-rate,omitempty"`
}

type File struct {
	Category CategorySpec        `yaml:"category"`
	Items    map[string]ItemSpec `yaml:"items"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	Slot int    `json:"slot"`
}

// Item is a loaded catalog entry. BuyPrice and SellPrice are the base prices.
type Item struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Material  string           `json:"material"`
	Category  string           `json:"category"`
	BuyPrice  decimal.Decimal  `json:"buy_price"`
	SellPrice decimal.Decimal  `json:"sell_price"`
	Dynamic   bool             `json:"dynamic"`
	OneTime   bool             `json:"one_time"`
	BuyRate   *decimal.Decimal `json:"buy_rate,omitempty"`
	SellRate  *decimal.Decimal `json:"sell_rate,omitempty"`
}

type Catalog struct {
	Categories []Category
	Items      []Item
}

// FileContent is a catalog file as carried by SEND_CONFIG.
type FileContent struct {
	Name    string
	Content string
}

func isCatalogFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isCatalogFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Load parses every catalog file in dir. A malformed file fails the whole
// load so a bad push never leaves a node with half a catalog.
func Load(dir string) (*Catalog, error) {
	names, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list catalog dir: %w", err)
	}

	out := &Catalog{}
	seen := make(map[string]string)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		cat, items, err := Parse(name, data)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if prev, ok := seen[it.ID]; ok {
				return nil, fmt.Errorf("%w: %q in %s and %s", ErrDuplicateItem, it.ID, prev, name)
			}
			seen[it.ID] = name
		}
		out.Categories = append(out.Categories, cat)
		out.Items = append(out.Items, items...)
	}
	return out, nil
}

// Parse decodes one catalog file. name is only used for the category id and
// error messages.
func Parse(name string, data []byte) (Category, []Item, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Category{}, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	base := filepath.Base(name)
	id := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	cat := Category{
		ID:   id,
		Name: f.Category.Name,
		Icon: f.Category.Icon,
		Slot: f.Category.Slot,
	}
	if cat.Name == "" {
		cat.Name = id
	}
	if cat.Icon == "" {
		cat.Icon = defaultIcon
	}

	keys := make([]string, 0, len(f.Items))
	for k := range f.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		spec := f.Items[key]
		it, err := spec.item(key, id)
		if err != nil {
			return Category{}, nil, fmt.Errorf("%s: item %q: %w", name, key, err)
		}
		items = append(items, it)
	}
	return cat, items, nil
}

func (s ItemSpec) item(id, category string) (Item, error) {
	if strings.TrimSpace(id) == "" {
		return Item{}, errors.New("empty item id")
	}
	if s.Buy < 0 || s.Sell < 0 {
		return Item{}, fmt.Errorf("negative price (buy %g, sell %g)", s.Buy, s.Sell)
	}
	it := Item{
		ID:        id,
		Name:      s.Name,
		Material:  s.Material,
		Category:  category,
		BuyPrice:  decimal.NewFromFloat(s.Buy),
		SellPrice: decimal.NewFromFloat(s.Sell),
		Dynamic:   s.Dynamic,
		OneTime:   s.OneTime,
	}
	if it.Material == "" {
		it.Material = strings.ToUpper(id)
	}
	if it.Name == "" {
		it.Name = id
	}
	if s.BuyRate != nil {
		r, err := rate(*s.BuyRate)
		if err != nil {
			return Item{}, fmt.Errorf("buy-rate: %w", err)
		}
		it.BuyRate = &r
	}
	if s.SellRate != nil {
		r, err := rate(*s.SellRate)
		if err != nil {
			return Item{}, fmt.Errorf("sell-rate: %w", err)
		}
		it.SellRate = &r
	}
	return it, nil
}

func rate(v float64) (decimal.Decimal, error) {
	if v < 0 || v >= 1 {
		return decimal.Zero, fmt.Errorf("%g must be in [0, 1)", v)
	}
	return decimal.NewFromFloat(v), nil
}

// Snapshot returns the raw catalog files in dir, sorted by name.
func Snapshot(dir string) ([]FileContent, error) {
	names, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list catalog dir: %w", err)
	}
	files := make([]FileContent, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files = append(files, FileContent{Name: name, Content: string(data)})
	}
	return files, nil
}

// WriteFiles writes files under dir, creating parent directories. Every name
// is checked before anything is written.
func WriteFiles(dir string, files []FileContent) error {
	paths := make([]string, len(files))
	for i, f := range files {
		p, err := resolve(dir, f.Name)
		if err != nil {
			return err
		}
		paths[i] = p
	}
	for i, f := range files {
		if err := os.MkdirAll(filepath.Dir(paths[i]), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := os.WriteFile(paths[i], []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

func resolve(dir, name string) (string, error) {
	local := filepath.FromSlash(name)
	if name == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, local), nil
}

const defaultFileName = "enchanting.yml"

var defaultFile = File{
	Category: CategorySpec{Name: "Enchanting", Icon: "ENCHANTED_BOOK", Slot: 10},
	Items: map[string]ItemSpec{
		"MENDING": {Material: "ENCHANTED_BOOK", Name: "Mending", Buy: 5000, Sell: 1250, Dynamic: true},
	},
}

// EnsureDefault writes a sample catalog file when dir holds none. It reports
// whether a file was written.
func EnsureDefault(dir string) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create catalog dir: %w", err)
	}
	names, err := listFiles(dir)
	if err != nil {
		return false, fmt.Errorf("list catalog dir: %w", err)
	}
	if len(names) > 0 {
		return false, nil
	}
	data, err := yaml.Marshal(defaultFile)
	if err != nil {
		return false, fmt.Errorf("encode default catalog: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, defaultFileName), data, 0o644); err != nil {
		return false, fmt.Errorf("write default catalog: %w", err)
	}
	return true, nil
}
