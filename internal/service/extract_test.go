package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hola, soy Ana", "Ana"},
		{"me llamo José Luis", "José Luis"},
		{"Mi nombre es María Fernanda.", "María Fernanda"},
		{"Carlos", "Carlos"},
		{"hola", ""},
		{"Gracias", ""},
		{"soy X", ""},
		{"¿Cuánto cuesta el pastel de chocolate con fresas?", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractName(tt.in))
		})
	}
}

func TestExtractPreferences(t *testing.T) {
	p := ExtractPreferences("Quiero el producto pastel de chocolate, para el 3/10/24 a las 9:15 o 17:45")

	assert.Equal(t, []string{"9:15", "17:45"}, p.Times)
	assert.Equal(t, []string{"3/10/24"}, p.Dates)
	assert.Equal(t, []string{"pastel de chocolate"}, p.Products)
}

func TestExtractPreferencesEmpty(t *testing.T) {
	p := ExtractPreferences("Hola")

	assert.Empty(t, p.Times)
	assert.Empty(t, p.Dates)
	assert.Empty(t, p.Products)
}
