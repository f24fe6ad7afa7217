package leads

import (
	"strings"

	"adsync/internal/graph"
)

// NotAvailable fills canonical fields no form answer matched.
const NotAvailable = "N/A"

// Canonical lead fields.
const (
	FieldEmail    = "email"
	FieldPhone    = "phone"
	FieldFullName = "full_name"
	FieldStreet   = "street"
	FieldCity     = "city"
	FieldState    = "state"
	FieldZip      = "zip_code"
	FieldCountry  = "country"
)

// FieldRule maps free-form field names onto a canonical field. Synonyms are
// tried in order as case-insensitive substrings of the field name.
type FieldRule struct {
	Field    string
	Synonyms []string
}

// FieldRules is evaluated top to bottom and a form field is claimed by at
// most one rule, so "email_address" is taken by email before the street rule
// sees "address".
var FieldRules = []FieldRule{
	{Field: FieldEmail, Synonyms: []string{"email", "e-mail", "e_mail"}},
	{Field: FieldPhone, Synonyms: []string{"phone", "mobile", "contact_number", "whatsapp"}},
	{Field: FieldFullName, Synonyms: []string{"full_name", "full name", "fullname"}},
	{Field: FieldStreet, Synonyms: []string{"street", "address"}},
	{Field: FieldCity, Synonyms: []string{"city", "town"}},
	{Field: FieldState, Synonyms: []string{"state", "province", "region"}},
	{Field: FieldZip, Synonyms: []string{"zip", "postal", "post_code", "pincode", "pin_code"}},
	{Field: FieldCountry, Synonyms: []string{"country"}},
}

// Normalized holds the canonical contact fields of a lead. Email is empty
// when no answer matched.
type Normalized struct {
	FullName string
	Phone    string
	Email    string
	Street   string
	City     string
	State    string
	ZipCode  string
	Country  string
}

// Normalize maps a lead's free-form answers to canonical fields.
func Normalize(fields []graph.FieldData) Normalized {
	claimed := make([]bool, len(fields))
	values := make(map[string]string, len(FieldRules))
	for _, rule := range FieldRules {
		if v, ok := claim(fields, claimed, rule.Synonyms); ok {
			values[rule.Field] = v
		}
	}
	if _, ok := values[FieldFullName]; !ok {
		values[FieldFullName] = composeName(fields, claimed)
	}

	orNA := func(field string) string {
		if v := values[field]; v != "" {
			return v
		}
		return NotAvailable
	}
	return Normalized{
		FullName: orNA(FieldFullName),
		Phone:    orNA(FieldPhone),
		Email:    values[FieldEmail],
		Street:   orNA(FieldStreet),
		City:     orNA(FieldCity),
		State:    orNA(FieldState),
		ZipCode:  orNA(FieldZip),
		Country:  orNA(FieldCountry),
	}
}

// claim returns the first unclaimed field matching the highest priority
// synonym and marks it claimed.
func claim(fields []graph.FieldData, claimed []bool, synonyms []string) (string, bool) {
	for _, syn := range synonyms {
		for i, f := range fields {
			if claimed[i] || !strings.Contains(strings.ToLower(f.Name), syn) {
				continue
			}
			claimed[i] = true
			return strings.TrimSpace(f.Value()), true
		}
	}
	return "", false
}

// composeName joins first and last name answers, falling back to any
// remaining field containing "name".
func composeName(fields []graph.FieldData, claimed []bool) string {
	first, _ := claim(fields, claimed, []string{"first_name", "first name", "firstname"})
	last, _ := claim(fields, claimed, []string{"last_name", "last name", "lastname", "surname"})
	if name := strings.TrimSpace(first + " " + last); name != "" {
		return name
	}
	name, _ := claim(fields, claimed, []string{"name"})
	return name
}
