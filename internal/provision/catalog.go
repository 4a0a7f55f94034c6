package provision

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed images.yaml
var defaultCatalog []byte

type Image struct {
	Image string `yaml:"image"`
	Shell string `yaml:"shell"`
}

// Catalog maps an os_type to the image that provides it.
type Catalog struct {
	images map[string]Image
}

// LoadCatalog reads a YAML catalog from path, or the built-in one when path
// is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image catalog: %w", err)
		}
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	images := map[string]Image{}
	if err := yaml.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("parse image catalog: %w", err)
	}
	for name, img := range images {
		if img.Image == "" {
			return nil, fmt.Errorf("parse image catalog: %s has no image", name)
		}
		if img.Shell == "" {
			img.Shell = "/bin/sh"
			images[name] = img
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("parse image catalog: no images defined")
	}
	return &Catalog{images: images}, nil
}

func (c *Catalog) Lookup(osType string) (Image, bool) {
	img, ok := c.images[osType]
	return img, ok
}

// Names returns the supported os types in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.images))
	for n := range c.images {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
