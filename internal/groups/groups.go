// Package groups enumerates a linked account's groups and resolves their members.
package groups

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/massender/waworker/internal/phone"
	"github.com/massender/waworker/internal/session"
)

// maxResolvers bounds concurrent contact lookups for one group.
const maxResolvers = 8

// Group is one entry of ListGroups.
type Group struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participant_count"`
}

// Member is one resolved group participant.
type Member struct {
	Name      *string `json:"name"`
	// PhoneE164 is nil for hidden-user participants without a known number.
	PhoneE164 *string `json:"phone_e164"`
}

// Directory reads groups through a session's client. It keeps no cache.
type Directory struct{}

// NewDirectory creates a group directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// ListGroups returns every group chat of the session.
func (d *Directory) ListGroups(ctx context.Context, s *session.Session) ([]Group, error) {
	if err := s.RequireLinked(); err != nil {
		return nil, err
	}
	chats, err := s.Client().ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	out := make([]Group, 0, len(chats))
	for _, c := range chats {
		if !c.IsGroup {
			continue
		}
		out = append(out, Group{
			ID:               c.ID,
			Name:             groupName(c),
			ParticipantCount: len(c.Participants),
		})
	}
	return out, nil
}

// GetGroupMembers resolves the members of the first group whose name or id equals nameOrID.
func (d *Directory) GetGroupMembers(ctx context.Context, s *session.Session, nameOrID string) ([]Member, error) {
	if err := s.RequireLinked(); err != nil {
		return nil, err
	}
	client := s.Client()
	chats, err := client.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	var match *session.Chat
	for i := range chats {
		if chats[i].IsGroup && (chats[i].Name == nameOrID || chats[i].ID == nameOrID) {
			match = &chats[i]
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrGroupNotFound, nameOrID)
	}

	members := make([]Member, len(match.Participants))
	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(maxResolvers)
	for i, part := range match.Participants {
		p.Go(func(ctx context.Context) error {
			contact, err := client.ResolveContact(ctx, part.ID)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", part.ID, err)
			}
			members[i] = Member{
				Name:      memberName(contact),
				PhoneE164: memberPhone(part),
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return members, nil
}

func groupName(c session.Chat) string {
	if c.Name != "" {
		return c.Name
	}
	if c.Contact != nil {
		if c.Contact.PushName != "" {
			return c.Contact.PushName
		}
		if c.Contact.Name != "" {
			return c.Contact.Name
		}
	}
	return c.User
}

func memberPhone(p session.Participant) *string {
	if e164, ok := phone.FromChatID(p.ID); ok {
		return &e164
	}
	return nil
}

func memberName(c session.Contact) *string {
	for _, v := range []string{c.PushName, c.Name, c.ShortName} {
		if v != "" {
			return &v
		}
	}
	return nil
}
