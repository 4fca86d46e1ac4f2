package category

import "strings"

func normalizeTrailingSlash(p string) string {
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// translatePath implements spec.md §4.3's path translation: find the
// category (excluding Default) whose Path is the longest prefix of
// clientPath, then rewrite that prefix with the per-instance mapping, the
// per-clientType mapping, or the category's plain Path, in that order of
// preference. Falls back to Default's mappings rooted at the client's own
// default directory. Returns the input unchanged if nothing matches.
func (m *Manager) translatePath(clientPath, clientType, instanceID string) string {
	normalizedInput := normalizeTrailingSlash(clientPath)

	var bestName string
	bestLen := -1
	m.mu.Lock()
	for name, c := range m.categories {
		if name == DefaultName || c.Path == "" {
			continue
		}
		p := normalizeTrailingSlash(c.Path)
		if strings.HasPrefix(normalizedInput, p) && len(p) > bestLen {
			bestLen = len(p)
			bestName = name
		}
	}
	if bestName != "" {
		c := m.categories[bestName]
		prefix := normalizeTrailingSlash(c.Path)
		dest := destFor(c.PathMappings, instanceID, clientType, c.Path)
		m.mu.Unlock()
		return rewritePrefix(clientPath, prefix, dest)
	}

	// Default fallback, rooted at the client's own default directory.
	def, ok := m.categories[DefaultName]
	clientDefault := m.clientDefaultPaths[instanceID]
	m.mu.Unlock()
	if !ok || clientDefault == "" {
		return clientPath
	}
	normDefault := normalizeTrailingSlash(clientDefault)
	if !strings.HasPrefix(normalizedInput, normDefault) {
		return clientPath
	}
	dest := destFor(def.PathMappings, instanceID, clientType, "")
	if dest == "" {
		return clientPath
	}
	return rewritePrefix(clientPath, normDefault, dest)
}

func destFor(mappings map[string]string, instanceID, clientType, fallback string) string {
	if mappings != nil {
		if v, ok := mappings[instanceID]; ok {
			return v
		}
		if v, ok := mappings[clientType]; ok {
			return v
		}
	}
	return fallback
}

func rewritePrefix(original, oldPrefix, newPrefix string) string {
	if newPrefix == "" {
		return original
	}
	rest := original[len(oldPrefix):]
	return strings.TrimSuffix(newPrefix, "/") + rest
}
