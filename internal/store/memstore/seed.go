package memstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/omochice/chat-relay/internal/store"
)

// Seed is the JSON document accepted by Load.
type Seed struct {
	Users []struct {
		UserID      string   `json:"userId"`
		ProfileName string   `json:"profilename"`
		PhoneNumber string   `json:"phoneNumber"`
		Friends     []string `json:"friends"`
	} `json:"users"`
	Groups []struct {
		GroupID   string   `json:"groupId"`
		GroupName string   `json:"groupName"`
		AdminID   string   `json:"adminId"`
		Members   []string `json:"members"`
	} `json:"groups"`
}

// Load reads a Seed document from r and adds its users and groups.
func (s *Store) Load(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("failed to decode seed: %w", err)
	}

	for _, u := range seed.Users {
		if u.UserID == "" {
			return errors.New("seed user without userId")
		}
		s.AddUser(store.User{
			ID:          u.UserID,
			ProfileName: u.ProfileName,
			PhoneNumber: u.PhoneNumber,
			Friends:     u.Friends,
		})
	}
	for _, g := range seed.Groups {
		if g.GroupID == "" {
			return errors.New("seed group without groupId")
		}
		s.AddGroup(store.Group{
			ID:      g.GroupID,
			Name:    g.GroupName,
			AdminID: g.AdminID,
			Members: g.Members,
		})
	}
	return nil
}
