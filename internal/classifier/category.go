package classifier

import (
	"fmt"
	"strings"
)

// Category is the closed set of spending categories a merchant can be assigned.
type Category string

const (
	Comida    Category = "comida"
	Mercado   Category = "mercado"
	Servicios Category = "servicios"
	Facturas  Category = "facturas"
	Carro     Category = "carro"
	Diversion Category = "diversion"
	Movilidad Category = "movilidad"
)

// categoryOrder maps label codes (the index) to categories. The codes are the ones
// stored in the labeled reference table.
var categoryOrder = [...]Category{Comida, Mercado, Servicios, Facturas, Carro, Diversion, Movilidad}

// AllCategories returns every category in code order.
func AllCategories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder[:])
	return out
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	return c.Code() >= 0
}

// Code returns the label code of c, or -1 if c is not a category.
func (c Category) Code() int {
	for i, cat := range categoryOrder {
		if cat == c {
			return i
		}
	}
	return -1
}

// CategoryFromCode returns the category for a label code.
func CategoryFromCode(code int) (Category, error) {
	if code < 0 || code >= len(categoryOrder) {
		return "", fmt.Errorf("invalid category code %d", code)
	}
	return categoryOrder[code], nil
}

// ParseCategory validates s as a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		names := make([]string, 0, len(categoryOrder))
		for _, cat := range AllCategories() {
			names = append(names, string(cat))
		}
		return "", fmt.Errorf("%w %q (valid: %s)", ErrInvalidCategory, s, strings.Join(names, ", "))
	}
	return c, nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
