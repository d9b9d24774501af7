// Package capability implements the tenant capability registry.
//
// A tenant (namespace) may perform an operation only while it holds an
// unexpired grant whose Kind covers the operation:
//   - Grants are explicit, optionally scoped by an allow-list or a ceiling
//   - Expiry is checked lazily on every Check and bulk-reclaimed by GCExpired
//   - The kernel namespace and KernelAdmin holders bypass every check
//   - Every decision other than Allowed lands in a bounded audit ring
//
// The Registry is designed for a single frame loop and is not safe for
// concurrent use.
package capability

import (
	"encoding/json"
	"fmt"
	"strings"
)

// KindType names an operation class. Equality of KindType is the first
// requirement of the covers rule.
type KindType string

const (
	KindCreateEntities     KindType = "CreateEntities"
	KindDestroyEntities    KindType = "DestroyEntities"
	KindModifyComponents   KindType = "ModifyComponents"
	KindCreateLayers       KindType = "CreateLayers"
	KindModifyLayers       KindType = "ModifyLayers"
	KindLoadAssets         KindType = "LoadAssets"
	KindAccessNetwork      KindType = "AccessNetwork"
	KindAccessFilesystem   KindType = "AccessFilesystem"
	KindCrossNamespaceRead KindType = "CrossNamespaceRead"
	KindExecuteScripts     KindType = "ExecuteScripts"
	KindHotSwap            KindType = "HotSwap"
	KindManageCapabilities KindType = "ManageCapabilities"
	KindKernelAdmin        KindType = "KernelAdmin"
)

var knownKinds = map[KindType]struct{}{
	KindCreateEntities: {}, KindDestroyEntities: {}, KindModifyComponents: {},
	KindCreateLayers: {}, KindModifyLayers: {}, KindLoadAssets: {},
	KindAccessNetwork: {}, KindAccessFilesystem: {}, KindCrossNamespaceRead: {},
	KindExecuteScripts: {}, KindHotSwap: {}, KindManageCapabilities: {},
	KindKernelAdmin: {},
}

// Valid reports whether t is one of the defined operation classes.
func (t KindType) Valid() bool {
	_, ok := knownKinds[t]
	return ok
}

// AllowList reports whether kinds of this type carry an allow-list.
func (t KindType) AllowList() bool {
	switch t {
	case KindModifyComponents, KindModifyLayers, KindLoadAssets,
		KindAccessNetwork, KindAccessFilesystem, KindCrossNamespaceRead:
		return true
	}
	return false
}

// Ceiling reports whether kinds of this type carry a numeric quota ceiling.
func (t KindType) Ceiling() bool {
	return t == KindCreateEntities || t == KindCreateLayers
}

// AdminOnly reports whether the type may only be held by system namespaces.
func (t KindType) AdminOnly() bool {
	switch t {
	case KindHotSwap, KindManageCapabilities, KindKernelAdmin:
		return true
	}
	return false
}

// Kind is a closed tagged union over KindType. Only the payload field
// matching the type is meaningful:
//   - Max for ceiling kinds; nil means no ceiling
//   - Allowed for allow-list kinds; nil means unrestricted, an empty
//     non-nil slice means restricted to nothing
type Kind struct {
	Type    KindType
	Max     *uint64
	Allowed []string
}

// CreateEntities grants entity creation up to limit live entities.
func CreateEntities(limit uint64) Kind { return Kind{Type: KindCreateEntities, Max: &limit} }

// CreateLayers grants layer creation up to limit live layers.
func CreateLayers(limit uint64) Kind { return Kind{Type: KindCreateLayers, Max: &limit} }

func DestroyEntities() Kind    { return Kind{Type: KindDestroyEntities} }
func ExecuteScripts() Kind     { return Kind{Type: KindExecuteScripts} }
func HotSwap() Kind            { return Kind{Type: KindHotSwap} }
func ManageCapabilities() Kind { return Kind{Type: KindManageCapabilities} }
func KernelAdmin() Kind        { return Kind{Type: KindKernelAdmin} }

// ModifyComponents scopes component mutation to the given component types.
// A nil slice is unrestricted.
func ModifyComponents(types []string) Kind {
	return Kind{Type: KindModifyComponents, Allowed: types}
}

func ModifyLayers(layers []string) Kind {
	return Kind{Type: KindModifyLayers, Allowed: layers}
}

func LoadAssets(paths []string) Kind {
	return Kind{Type: KindLoadAssets, Allowed: paths}
}

func AccessNetwork(hosts []string) Kind {
	return Kind{Type: KindAccessNetwork, Allowed: hosts}
}

func AccessFilesystem(paths []string) Kind {
	return Kind{Type: KindAccessFilesystem, Allowed: paths}
}

func CrossNamespaceRead(namespaces []string) Kind {
	return Kind{Type: KindCrossNamespaceRead, Allowed: namespaces}
}

// Unrestricted reports whether an allow-list kind places no restriction.
func (k Kind) Unrestricted() bool {
	return k.Type.AllowList() && k.Allowed == nil
}

// Covers reports whether holding k authorizes the required kind.
//
// KernelAdmin covers everything. Otherwise the types must be equal; for
// allow-list kinds an unrestricted k covers any request, and a restricted k
// covers only restricted requests whose every item it lists. Ceilings are
// not compared here; they are enforced as quotas by the Registry.
func (k Kind) Covers(required Kind) bool {
	if k.Type == KindKernelAdmin {
		return true
	}
	if k.Type != required.Type {
		return false
	}
	if !k.Type.AllowList() || k.Allowed == nil {
		return true
	}
	if required.Allowed == nil {
		return false
	}
	held := make(map[string]struct{}, len(k.Allowed))
	for _, item := range k.Allowed {
		held[item] = struct{}{}
	}
	for _, item := range required.Allowed {
		if _, ok := held[item]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers cannot mutate a stored grant.
func (k Kind) Clone() Kind {
	out := Kind{Type: k.Type}
	if k.Max != nil {
		m := *k.Max
		out.Max = &m
	}
	if k.Allowed != nil {
		out.Allowed = append(make([]string, 0, len(k.Allowed)), k.Allowed...)
	}
	return out
}

func (k Kind) String() string {
	switch {
	case k.Type.Ceiling() && k.Max != nil:
		return fmt.Sprintf("%s{max=%d}", k.Type, *k.Max)
	case k.Type.AllowList() && k.Allowed == nil:
		return fmt.Sprintf("%s{*}", k.Type)
	case k.Type.AllowList():
		return fmt.Sprintf("%s{%s}", k.Type, strings.Join(k.Allowed, ","))
	}
	return string(k.Type)
}

type kindJSON struct {
	Type    KindType  `json:"type"`
	Max     *uint64   `json:"max,omitempty"`
	Allowed *[]string `json:"allowed,omitempty"`
}

// MarshalJSON keeps the nil/empty distinction of Allowed: an unrestricted
// list is omitted, a restricted one is always an array.
func (k Kind) MarshalJSON() ([]byte, error) {
	out := kindJSON{Type: k.Type}
	if k.Type.Ceiling() {
		out.Max = k.Max
	}
	if k.Type.AllowList() && k.Allowed != nil {
		allowed := k.Allowed
		out.Allowed = &allowed
	}
	return json.Marshal(out)
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var in kindJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Type.Valid() {
		return fmt.Errorf("capability: unknown kind %q", in.Type)
	}
	*k = Kind{Type: in.Type, Max: in.Max}
	if in.Allowed != nil {
		k.Allowed = append(make([]string, 0, len(*in.Allowed)), *in.Allowed...)
	}
	return nil
}
