package addresstemplate

import "strings"

// Context supplies the values a placeholder prefix can resolve against: the
// thing id (split into namespace/name), entity id, feature id, the mapped
// signal's headers, and its topic. Resolve returns ok=false for an unknown
// prefix or an unresolvable name, which the template renderer turns into a
// PlaceholderUnresolved error.
type Context struct {
	ThingNamespace string
	ThingName      string
	EntityID       string
	FeatureID      string
	Headers        map[string]string
	Topic          string
}

// Resolve looks up name under prefix. Supported prefixes: "thing"
// (namespace, name, id), "entity" (id), "feature" (id), "header" (any
// header name), "topic" (the bare topic string).
func (c Context) Resolve(prefix, name string) (string, bool) {
	switch prefix {
	case "thing":
		switch name {
		case "namespace":
			return c.ThingNamespace, c.ThingNamespace != ""
		case "name":
			return c.ThingName, c.ThingName != ""
		case "id":
			if c.ThingNamespace == "" && c.ThingName == "" {
				return "", false
			}
			return c.ThingNamespace + ":" + c.ThingName, true
		}
		return "", false
	case "entity":
		if name == "id" {
			return c.EntityID, c.EntityID != ""
		}
		return "", false
	case "feature":
		if name == "id" {
			return c.FeatureID, c.FeatureID != ""
		}
		return "", false
	case "header":
		// External-message header keys are case-insensitive; the map may
		// hold them in canonical form while templates name them lowercase.
		if v, ok := c.Headers[name]; ok {
			return v, true
		}
		for k, v := range c.Headers {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
		return "", false
	case "topic":
		return c.Topic, c.Topic != ""
	default:
		return "", false
	}
}
