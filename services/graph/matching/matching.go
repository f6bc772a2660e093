// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matching provides deterministic structural matching for interface
// names, type signatures, and constraint targets. No LLM involvement: these
// are the pure string rules that upgrade exact-string comparison to
// structural comparison.
package matching

import (
	"regexp"
	"strings"
	"unicode"
)

// nameSuffixes are role suffixes stripped during name normalization.
// Only the first matching suffix is stripped, and never when the suffix
// is the entire name.
var nameSuffixes = []string{"Model", "Service", "Handler", "Controller", "Spec", "Interface"}

// typeAliases maps type spellings to their canonical form.
var typeAliases = map[string]string{
	"UUID":    "uuid",
	"uuid":    "uuid",
	"str":     "str",
	"String":  "str",
	"string":  "str",
	"text":    "str",
	"int":     "int",
	"i32":     "int",
	"i64":     "int",
	"i128":    "int",
	"u32":     "int",
	"u64":     "int",
	"float":   "float",
	"f32":     "float",
	"f64":     "float",
	"double":  "float",
	"bool":    "bool",
	"boolean": "bool",
}

// containerRe matches generic list containers: list[X], List[X], Vec<X>.
var containerRe = regexp.MustCompile(`^(?:list|List|Vec)\s*[\[<]\s*(.+?)\s*[\]>]`)

// NormalizeName normalizes an interface name for comparison.
//
// Description:
//
//	Strips a known role suffix (Model, Service, Handler, Controller, Spec,
//	Interface), splits the remainder into CamelCase tokens, and joins the
//	lowercased tokens with single spaces.
//
// Examples:
//
//	"UserModel"       -> "user"
//	"AuthService"     -> "auth"
//	"MealPlanService" -> "meal plan"
//	"User"            -> "user"
func NormalizeName(name string) string {
	if name == "" {
		return ""
	}

	stripped := name
	for _, suffix := range nameSuffixes {
		if strings.HasSuffix(stripped, suffix) && len(stripped) > len(suffix) {
			stripped = stripped[:len(stripped)-len(suffix)]
			break
		}
	}

	tokens := splitTokens(stripped)
	if len(tokens) == 0 {
		return strings.ToLower(stripped)
	}

	return strings.Join(tokens, " ")
}

// splitTokens splits an identifier into lowercased word tokens.
//
// Boundaries are non-letter characters, lower-to-upper transitions, and the
// end of an uppercase run followed by a capitalized word (HTTPServer ->
// "http", "server").
func splitTokens(s string) []string {
	runes := []rune(s)
	var tokens []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			tokens = append(tokens, strings.ToLower(string(current)))
			current = current[:0]
		}
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) {
			flush()
			continue
		}
		if len(current) > 0 {
			prev := current[len(current)-1]
			// lower -> Upper boundary: userModel -> user | Model
			if unicode.IsLower(prev) && unicode.IsUpper(r) {
				flush()
			} else if unicode.IsUpper(prev) && unicode.IsUpper(r) &&
				i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
				// End of an acronym run: HTTPServer -> HTTP | Server
				flush()
			}
		}
		current = append(current, r)
	}
	flush()

	return tokens
}

// NamesOverlap reports whether two names likely refer to the same concept.
//
// True if the normalized forms are equal, one is a prefix of the other, or
// one is contained in the other.
func NamesOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	na := NormalizeName(a)
	nb := NormalizeName(b)

	if na == nb {
		return true
	}
	if strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na) {
		return true
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// NormalizeType canonicalizes a type string for comparison.
//
// Handles aliases (UUID<->uuid, String<->str, i64<->int, f64<->float),
// Optional[X] -> X, "X | None" -> X, and generic list containers
// (list[X], List[X], Vec<X> -> "list[inner]").
func NormalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}

	// Optional[X] -> X
	if strings.HasPrefix(t, "Optional[") && strings.HasSuffix(t, "]") {
		t = t[len("Optional[") : len(t)-1]
	}

	// X | None or None | X -> X
	if strings.Contains(t, " | ") {
		var kept string
		for _, part := range strings.Split(t, " | ") {
			part = strings.TrimSpace(part)
			if part != "None" && part != "" {
				kept = part
				break
			}
		}
		t = kept
	}

	if m := containerRe.FindStringSubmatch(t); m != nil {
		return "list[" + NormalizeType(m[1]) + "]"
	}

	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	return strings.ToLower(t)
}

// ParseSignature parses "field: type, field: type" into a field-to-type map.
//
// Fragments without a colon are skipped, so malformed signatures degrade to
// a partial map instead of failing. Empty or unparseable input yields an
// empty map, never nil panics downstream.
func ParseSignature(sig string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(sig) == "" {
		return result
	}

	for _, part := range strings.Split(sig, ",") {
		part = strings.TrimSpace(part)
		field, typeStr, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		result[strings.TrimSpace(field)] = strings.TrimSpace(typeStr)
	}
	return result
}

// SignaturesCompatible reports whether signature b is compatible with a.
//
// Compatible means b's fields are a superset of a's fields under type
// normalization. An empty or unparseable a is compatible with anything.
func SignaturesCompatible(a, b string) bool {
	fieldsA := ParseSignature(a)
	if len(fieldsA) == 0 {
		return true
	}
	fieldsB := ParseSignature(b)

	for field, typeA := range fieldsA {
		typeB, ok := fieldsB[field]
		if !ok {
			return false
		}
		if NormalizeType(typeA) != NormalizeType(typeB) {
			return false
		}
	}
	return true
}

// NormalizeConstraintTarget normalizes a constraint target for comparison.
//
// Lowercases, replaces underscores and hyphens with spaces, collapses
// whitespace, and strips a trailing "model" or "service" word (but never
// when the word is the entire target).
//
// Examples:
//
//	"User Model"   -> "user"
//	"user_model"   -> "user"
//	"user-service" -> "user"
func NormalizeConstraintTarget(target string) string {
	if target == "" {
		return ""
	}

	t := strings.ToLower(target)
	t = strings.ReplaceAll(t, "_", " ")
	t = strings.ReplaceAll(t, "-", " ")
	t = strings.Join(strings.Fields(t), " ")

	for _, suffix := range []string{"model", "service"} {
		if strings.HasSuffix(t, " "+suffix) {
			t = t[:len(t)-len(suffix)-1]
		} else if t == suffix {
			break
		}
	}

	return strings.TrimSpace(t)
}
