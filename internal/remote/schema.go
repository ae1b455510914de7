package remote

// FieldType is the declared type of a remote field.
type FieldType string

const (
	TypeID            FieldType = "id"
	TypeString        FieldType = "string"
	TypeTextarea      FieldType = "textarea"
	TypePicklist      FieldType = "picklist"
	TypeMultipicklist FieldType = "multipicklist"
	TypeBoolean       FieldType = "boolean"
	TypeDatetime      FieldType = "datetime"
	TypeDate          FieldType = "date"
	TypeDouble        FieldType = "double"
	TypeCurrency      FieldType = "currency"
	TypePercent       FieldType = "percent"
	TypeInt           FieldType = "int"
	TypeReference     FieldType = "reference"
	TypeEmail         FieldType = "email"
	TypePhone         FieldType = "phone"
	TypeURL           FieldType = "url"
)

// Numeric reports whether values of t are floating point numbers.
func (t FieldType) Numeric() bool {
	switch t {
	case TypeDouble, TypeCurrency, TypePercent:
		return true
	}
	return false
}

// Textual reports whether values of t are length-limited strings.
func (t FieldType) Textual() bool {
	switch t {
	case TypeString, TypeTextarea, TypePicklist, TypeMultipicklist, TypeEmail, TypePhone, TypeURL:
		return true
	}
	return false
}

// Field describes one remote field.
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Length      int       `json:"length,omitempty" yaml:"length,omitempty"`
	ReferenceTo []string  `json:"referenceTo,omitempty" yaml:"reference_to,omitempty"`
	ExternalID  bool      `json:"externalId,omitempty" yaml:"external_id,omitempty"`
	Updateable  bool      `json:"updateable" yaml:"updateable"`
	Createable  bool      `json:"createable" yaml:"createable"`
}

// Schema is the describe result of a remote object type.
type Schema struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
