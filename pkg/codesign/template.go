package codesign

import (
	_ "embed"
	"fmt"

	"howett.net/plist"
)

//go:embed code_resources_template.xml
var codeResourcesTemplate []byte

// CodeResourcesTemplate returns a fresh copy of the seal template: the
// default rules and rules2 dictionaries plus empty files and files2.
func CodeResourcesTemplate() (map[string]interface{}, error) {
	var tmpl map[string]interface{}
	if _, err := plist.Unmarshal(codeResourcesTemplate, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse CodeResources template: %w", err)
	}
	for _, key := range []string{"rules", "rules2"} {
		if _, ok := tmpl[key].(map[string]interface{}); !ok {
			return nil, fmt.Errorf("CodeResources template has no %s dictionary", key)
		}
	}
	return tmpl, nil
}
