package toml

import "fmt"

const currentSchemaVersion = 1

type sessionSchema struct {
	Version     int                 `toml:"version"`
	Counter     int                 `toml:"counter"`
	DirTags     map[string][]string `toml:"dir_tags,omitempty"`
	DatasetTags map[string][]string `toml:"dataset_tags,omitempty"`
}

func (s *sessionSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
	if s.Counter < 1 {
		s.Counter = 1
	}
}

func (s sessionSchema) validateVersion() error {
	return validateVersion("session", s.Version)
}

type datasetSchema struct {
	Version      int                 `toml:"version"`
	Name         string              `toml:"name"`
	Title        string              `toml:"title"`
	Number       int                 `toml:"number"`
	Created      string              `toml:"created"`
	Independents []independentSchema `toml:"independent"`
	Dependents   []dependentSchema   `toml:"dependent"`
	Parameters   []parameterSchema   `toml:"parameter,omitempty"`
	Comments     []commentSchema     `toml:"comment,omitempty"`
}

func (s *datasetSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s datasetSchema) validateVersion() error {
	return validateVersion("dataset", s.Version)
}

type independentSchema struct {
	Label string `toml:"label"`
	Units string `toml:"units"`
}

type dependentSchema struct {
	Label  string `toml:"label"`
	Legend string `toml:"legend"`
	Units  string `toml:"units"`
}

// parameterSchema keeps the value as JSON so lists, records and numbers
// survive without a TOML type per shape.
type parameterSchema struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

type commentSchema struct {
	Time string `toml:"time"`
	User string `toml:"user"`
	Text string `toml:"text"`
}

func validateVersion(kind string, version int) error {
	if version > currentSchemaVersion {
		return fmt.Errorf("unsupported %s schema version %d (current %d)", kind, version, currentSchemaVersion)
	}

	return nil
}
