package canvas

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/inkwire/inkwire/protocol"
)

// Access control state, derived entirely from the applied message stream.
// Every participant evaluates the same messages, so every participant holds
// the same ACL state; checks are pure reads and never error.

type Tier uint8

const (
	TierOperator   Tier = 0
	TierTrusted    Tier = 1
	TierRegistered Tier = 2
	TierAnyone     Tier = 3
)

func (self Tier) String() string {
	switch self {
	case TierOperator:
		return "operator"
	case TierTrusted:
		return "trusted"
	case TierRegistered:
		return "registered"
	}
	return "anyone"
}

type Feature uint8

const (
	FeaturePutImage Feature = iota
	FeatureResize
	FeatureBackground
	FeatureEditLayers
	FeatureOwnLayers
	FeatureUndo
	FeatureMetadata
	FeatureTimeline

	FeatureCount
)

var featureNames = [FeatureCount]string{
	"putimage",
	"resize",
	"background",
	"editlayers",
	"ownlayers",
	"undo",
	"metadata",
	"timeline",
}

func (self Feature) String() string {
	if self < FeatureCount {
		return featureNames[self]
	}
	return fmt.Sprintf("feature(%d)", uint8(self))
}

func defaultFeatureTiers() [FeatureCount]Tier {
	return [FeatureCount]Tier{
		FeaturePutImage:   TierAnyone,
		FeatureResize:     TierOperator,
		FeatureBackground: TierOperator,
		FeatureEditLayers: TierOperator,
		FeatureOwnLayers:  TierAnyone,
		FeatureUndo:       TierAnyone,
		FeatureMetadata:   TierOperator,
		FeatureTimeline:   TierOperator,
	}
}

// LayerAclEntry is the per-layer rule. A locked layer rejects everyone
// outside the exclusive set; a non-empty exclusive set rejects everyone
// outside it; the tier is the least privileged tier still allowed.
type LayerAclEntry struct {
	Locked    bool
	Tier      Tier
	Exclusive []uint8
}

func defaultLayerAcl() LayerAclEntry {
	return LayerAclEntry{Tier: TierAnyone}
}

type AclState struct {
	localUser uint8

	layers        map[uint16]LayerAclEntry
	featureTiers  [FeatureCount]Tier
	operators     map[uint8]bool
	trusted       map[uint8]bool
	authenticated map[uint8]bool
	lockAll       bool
}

func NewAclState(localUser uint8) *AclState {
	return &AclState{
		localUser:     localUser,
		layers:        map[uint16]LayerAclEntry{},
		featureTiers:  defaultFeatureTiers(),
		operators:     map[uint8]bool{},
		trusted:       map[uint8]bool{},
		authenticated: map[uint8]bool{},
	}
}

func (self *AclState) Clone() *AclState {
	out := &AclState{
		localUser:     self.localUser,
		layers:        map[uint16]LayerAclEntry{},
		featureTiers:  self.featureTiers,
		operators:     map[uint8]bool{},
		trusted:       map[uint8]bool{},
		authenticated: map[uint8]bool{},
		lockAll:       self.lockAll,
	}
	for id, entry := range self.layers {
		entry.Exclusive = slices.Clone(entry.Exclusive)
		out.layers[id] = entry
	}
	for user := range self.operators {
		out.operators[user] = true
	}
	for user := range self.trusted {
		out.trusted[user] = true
	}
	for user := range self.authenticated {
		out.authenticated[user] = true
	}
	return out
}

func (self *AclState) LocalUser() uint8 {
	return self.localUser
}

// Apply folds an ACL-bearing message into the state. Non-ACL messages are
// ignored. Context id 0 is the server and always passes the operator check.
func (self *AclState) Apply(message protocol.Message) {
	switch v := message.Body.(type) {
	case *protocol.Join:
		if v.Flags&protocol.JoinFlagAuth != 0 {
			self.authenticated[message.ContextId] = true
		}
		if v.Flags&protocol.JoinFlagMod != 0 {
			self.operators[message.ContextId] = true
		}
	case *protocol.Leave:
		delete(self.operators, message.ContextId)
		delete(self.trusted, message.ContextId)
		delete(self.authenticated, message.ContextId)
	case *protocol.SessionOwner:
		self.operators = map[uint8]bool{}
		for _, user := range v.Users {
			self.operators[user] = true
		}
	case *protocol.TrustedUsers:
		self.trusted = map[uint8]bool{}
		for _, user := range v.Users {
			self.trusted[user] = true
		}
	case *protocol.SessionAcl:
		self.lockAll = v.Flags&protocol.SessionAclFlagLockAll != 0
	case *protocol.FeatureAccess:
		for i := 0; i < int(FeatureCount) && i < len(v.FeatureTiers); i += 1 {
			self.featureTiers[i] = Tier(min(v.FeatureTiers[i], uint8(TierAnyone)))
		}
	case *protocol.LayerAcl:
		self.applyLayerAcl(v.Id, v.Locked(), Tier(v.Tier()), v.Exclusive)
	case *protocol.LayerDelete:
		delete(self.layers, v.Id)
	}
}

// applyLayerAcl replaces the layer's rule atomically.
func (self *AclState) applyLayerAcl(layerId uint16, locked bool, tier Tier, exclusive []uint8) {
	self.layers[layerId] = LayerAclEntry{
		Locked:    locked,
		Tier:      tier,
		Exclusive: slices.Clone(exclusive),
	}
}

func (self *AclState) LayerAcl(layerId uint16) LayerAclEntry {
	if entry, ok := self.layers[layerId]; ok {
		return entry
	}
	return defaultLayerAcl()
}

func (self *AclState) IsLayerLocked(layerId uint16) bool {
	return self.LayerAcl(layerId).Locked
}

func (self *AclState) IsLockedAll() bool {
	return self.lockAll
}

func (self *AclState) IsOperator(user uint8) bool {
	return user == 0 || self.operators[user]
}

func (self *AclState) Operators() []uint8 {
	users := []uint8{}
	for user := range self.operators {
		users = append(users, user)
	}
	slices.Sort(users)
	return users
}

func (self *AclState) Trusted() []uint8 {
	users := []uint8{}
	for user := range self.trusted {
		users = append(users, user)
	}
	slices.Sort(users)
	return users
}

func (self *AclState) UserTier(user uint8) Tier {
	switch {
	case self.IsOperator(user):
		return TierOperator
	case self.trusted[user]:
		return TierTrusted
	case self.authenticated[user]:
		return TierRegistered
	}
	return TierAnyone
}

func (self *AclState) FeatureTier(feature Feature) Tier {
	if feature < FeatureCount {
		return self.featureTiers[feature]
	}
	return TierOperator
}

func (self *AclState) FeatureAllowed(user uint8, feature Feature) bool {
	return self.UserTier(user) <= self.FeatureTier(feature)
}

// CanUseFeature evaluates for the local user.
func (self *AclState) CanUseFeature(feature Feature) bool {
	return self.FeatureAllowed(self.localUser, feature)
}

// CanEditLayer is the layer edit predicate: the user needs either the
// edit-all-layers feature or ownership plus the own-layers feature, and the
// layer must not be excluded by a lock, an exclusive set, or a tier rule.
func (self *AclState) CanEditLayer(user uint8, layerId uint16) bool {
	if self.lockAll && !self.IsOperator(user) {
		return false
	}
	entry := self.LayerAcl(layerId)
	if 0 < len(entry.Exclusive) {
		if !slices.Contains(entry.Exclusive, user) {
			return false
		}
	} else if entry.Locked {
		return false
	}
	if entry.Tier < self.UserTier(user) {
		return false
	}
	if self.FeatureAllowed(user, FeatureEditLayers) {
		return true
	}
	return LayerCreator(layerId) == user && self.FeatureAllowed(user, FeatureOwnLayers)
}

// LayerCreator extracts the creating user from a layer id. The high byte of
// every layer id is the creator's context id, which keeps concurrent id
// allocation collision free without coordination.
func LayerCreator(layerId uint16) uint8 {
	return uint8(layerId >> 8)
}
