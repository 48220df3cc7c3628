package protection

import (
	"context"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/policylist"
)

const policyListName = "policy_list"

// BanLookup finds a ban recommendation for a subject across watched lists.
type BanLookup interface {
	FindUserBan(userID string) (*policylist.Rule, bool)
	FindBan(kind policylist.Kind, subject string) (*policylist.Rule, bool)
}

// PolicyList enforces watched ban lists on live traffic: messages, joins
// and invites from banned users, invites into banned rooms, and
// optionally display names.
type PolicyList struct {
	lists BanLookup

	settings       *Settings
	blockMessages  *BoolSetting
	blockInvites   *BoolSetting
	banOnJoin      *BoolSetting
	blockUsernames *BoolSetting
}

func NewPolicyList(lists BanLookup) *PolicyList {
	p := &PolicyList{
		lists:          lists,
		blockMessages:  NewBoolSetting("block_messages", true),
		blockInvites:   NewBoolSetting("block_invites", true),
		banOnJoin:      NewBoolSetting("ban_on_join", true),
		blockUsernames: NewBoolSetting("block_usernames", false),
	}
	p.settings = NewSettings(p.blockMessages, p.blockInvites, p.banOnJoin, p.blockUsernames)
	return p
}

func (p *PolicyList) Name() string { return policyListName }
func (p *PolicyList) Description() string {
	return "Bans users and servers named by watched policy lists"
}
func (p *PolicyList) Settings() *Settings { return p.settings }

func ruleReason(r *policylist.Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return "matched " + r.String()
}

func (p *PolicyList) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	if p.lists == nil {
		return nil, nil
	}

	if evt.Type == matrix.EventTypeMember {
		target := evt.StateKeyValue()
		switch evt.Membership() {
		case matrix.MembershipInvite:
			if !p.blockInvites.Get() {
				return nil, nil
			}
			if r, ok := p.lists.FindUserBan(evt.Sender); ok {
				return &action.Consequence{Type: action.Kick, Target: target, Reason: "invited by banned user: " + ruleReason(r)}, nil
			}
			if roomID == "" {
				roomID = evt.RoomID
			}
			if r, ok := p.lists.FindBan(policylist.KindRoom, roomID); ok {
				return &action.Consequence{Type: action.Kick, Target: target, Reason: "invite into banned room: " + ruleReason(r)}, nil
			}
		case matrix.MembershipJoin:
			if p.banOnJoin.Get() {
				if r, ok := p.lists.FindUserBan(target); ok {
					return &action.Consequence{Type: action.Ban, Target: target, Reason: ruleReason(r)}, nil
				}
			}
			if p.blockUsernames.Get() {
				if name := evt.ContentString("displayname"); name != "" {
					if r, ok := p.lists.FindBan(policylist.KindUser, name); ok {
						return &action.Consequence{Type: action.Ban, Target: target, Reason: ruleReason(r)}, nil
					}
				}
			}
		}
		return nil, nil
	}

	if !p.blockMessages.Get() || !isMessage(evt) {
		return nil, nil
	}
	if r, ok := p.lists.FindUserBan(evt.Sender); ok {
		return consequenceFor(choiceBan, evt, ruleReason(r)), nil
	}
	return nil, nil
}
