package codesign

import (
	"fmt"
	"sort"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"howett.net/plist"
)

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// ParseEntitlementsBlob decodes the plist carried by an embedded
// entitlements blob.
func ParseEntitlementsBlob(b *Blob) (map[string]interface{}, error) {
	if b.Magic != ctypes.MAGIC_EMBEDDED_ENTITLEMENTS {
		return nil, malformed("blob magic 0x%08x is not an entitlements blob", uint32(b.Magic))
	}
	return ParseEntitlementsXML(b.Data)
}

// EntitlementKeys returns the sorted keys of an entitlements map.
func EntitlementKeys(entitlements map[string]interface{}) []string {
	keys := make([]string, 0, len(entitlements))
	for k := range entitlements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
