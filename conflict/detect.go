package conflict

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

// Detect compares a device-local version against the remote version of the
// same entity, relative to their common ancestor (the device's last
// acknowledged checkpoint state). Returns nil when the versions do not
// actually diverge. base may be the zero Version when the ancestor is no
// longer available; classification is then conservative.
func Detect(entityType, entityID string, base, local, remote Version) *Conflict {
	if local.Token != "" && local.Token == remote.Token {
		return nil
	}
	if local.Checksum != "" && local.Checksum == remote.Checksum {
		// Same bytes under different tokens: the device re-captured an edit
		// it already holds. Nothing to resolve.
		return nil
	}

	c := &Conflict{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Base:       base,
		Local:      local,
		Remote:     remote,
		Status:     StatusPending,
		DetectedAt: time.Now(),
	}

	if schemaFields := incompatibleFields(local.Data, remote.Data); len(schemaFields) > 0 {
		c.Type = TypeSchema
		c.Fields = schemaFields
		return c
	}

	if len(base.Data) == 0 {
		// No ancestor to attribute changes to. If we at least have server
		// timestamps we can still treat it as a concurrent update; without
		// them ordering is unknowable.
		c.Fields = diffFields(local.Data, remote.Data)
		if local.ServerTS.IsZero() || remote.ServerTS.IsZero() {
			c.Type = TypeTimestampSkew
		} else {
			c.Type = TypeConcurrentUpdate
		}
		return c
	}

	localChanged := diffFields(base.Data, local.Data)
	remoteChanged := diffFields(base.Data, remote.Data)
	if len(localChanged) == 0 || len(remoteChanged) == 0 {
		// Only one side moved: a fast-forward, not a conflict.
		return nil
	}

	overlap := intersect(localChanged, remoteChanged)
	if len(overlap) > 0 {
		c.Type = TypeConcurrentUpdate
		c.Fields = overlap
		return c
	}
	c.Type = TypeFieldMismatch
	c.Fields = union(localChanged, remoteChanged)
	return c
}

// diffFields returns the JSON paths whose values differ between a and b,
// walking nested objects. Arrays are compared as leaves.
func diffFields(a, b []byte) []string {
	av := flatten(gjson.ParseBytes(a))
	bv := flatten(gjson.ParseBytes(b))
	seen := map[string]bool{}
	var out []string
	for path, raw := range av {
		if bv[path] != raw {
			seen[path] = true
		}
	}
	for path, raw := range bv {
		if av[path] != raw && !seen[path] {
			seen[path] = true
		}
	}
	for path := range seen {
		out = append(out, path)
	}
	slices.Sort(out)
	return out
}

// incompatibleFields returns paths present in both versions whose value
// types disagree (string vs number etc). Nulls are compatible with anything.
func incompatibleFields(a, b []byte) []string {
	at := flattenTypes(gjson.ParseBytes(a))
	bt := flattenTypes(gjson.ParseBytes(b))
	var out []string
	for path, ta := range at {
		tb, ok := bt[path]
		if !ok || ta == gjson.Null || tb == gjson.Null {
			continue
		}
		if ta != tb {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}

func flatten(v gjson.Result) map[string]string {
	out := map[string]string{}
	flattenInto("", v, func(path string, leaf gjson.Result) {
		out[path] = leaf.Raw
	})
	return out
}

func flattenTypes(v gjson.Result) map[string]gjson.Type {
	out := map[string]gjson.Type{}
	flattenInto("", v, func(path string, leaf gjson.Result) {
		out[path] = leaf.Type
	})
	return out
}

func flattenInto(prefix string, v gjson.Result, fn func(path string, leaf gjson.Result)) {
	if !v.IsObject() {
		if prefix != "" {
			fn(prefix, v)
		}
		return
	}
	v.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}
		if value.IsObject() {
			flattenInto(path, value, fn)
		} else {
			fn(path, value)
		}
		return true
	})
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := append([]string{}, a...)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
