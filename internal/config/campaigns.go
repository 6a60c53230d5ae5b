package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// CampaignFile models campaigns.yml, the organizer seed file imported with
// `dropline campaign import`.
type CampaignFile struct {
	Campaigns []CampaignSpec `yaml:"campaigns"`
}

type CampaignSpec struct {
	ID          string `yaml:"id"`
	Platform    string `yaml:"platform"`
	Name        string `yaml:"name"`
	Active      *bool  `yaml:"active"`
	PoapEventID string `yaml:"poap_event_id"`
	Luma        struct {
		EventID string `yaml:"event_id"`
	} `yaml:"luma"`
	Instagram struct {
		AccountID      string `yaml:"account_id"`
		StoryID        string `yaml:"story_id"`
		TriggerKeyword string `yaml:"trigger_keyword"`
		ReplyMessage   string `yaml:"reply_message"`
	} `yaml:"instagram"`
	Branding map[string]string `yaml:"branding"`
}

// Validate ensures every campaign carries what its channel needs.
func (f *CampaignFile) Validate() error {
	if len(f.Campaigns) == 0 {
		return fmt.Errorf("campaigns file has no campaigns")
	}
	seen := make(map[string]struct{}, len(f.Campaigns))
	for i, c := range f.Campaigns {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("campaigns[%d].id is required", i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("campaign %s defined twice", c.ID)
		}
		seen[c.ID] = struct{}{}
		if !domain.Platform(c.Platform).Valid() {
			return fmt.Errorf("campaign %s has invalid platform %q", c.ID, c.Platform)
		}
		if c.PoapEventID == "" {
			return fmt.Errorf("campaign %s: poap_event_id is required", c.ID)
		}
		switch domain.Platform(c.Platform) {
		case domain.PlatformEvents:
			if c.Luma.EventID == "" {
				return fmt.Errorf("campaign %s: luma.event_id is required for events campaigns", c.ID)
			}
		case domain.PlatformMessaging:
			if c.Instagram.AccountID == "" || c.Instagram.StoryID == "" {
				return fmt.Errorf("campaign %s: instagram.account_id and instagram.story_id are required", c.ID)
			}
		}
	}
	return nil
}

// Domain converts the seed entry into a campaign. Timestamps are left to the repo.
func (c CampaignSpec) Domain() domain.Campaign {
	out := domain.Campaign{
		ID:          c.ID,
		Platform:    domain.Platform(c.Platform),
		Name:        c.Name,
		Active:      true,
		PoapEventID: c.PoapEventID,
	}
	if c.Active != nil {
		out.Active = *c.Active
	}
	out.LumaEventID = optional(c.Luma.EventID)
	out.AccountID = optional(c.Instagram.AccountID)
	out.StoryID = optional(c.Instagram.StoryID)
	out.TriggerKeyword = optional(c.Instagram.TriggerKeyword)
	out.ReplyMessage = optional(c.Instagram.ReplyMessage)
	if len(c.Branding) > 0 {
		b, _ := json.Marshal(c.Branding)
		out.BrandingJSON = optional(string(b))
	}
	return out
}

// CampaignsFromYAML parses and validates a campaigns file from raw bytes.
func CampaignsFromYAML(data []byte) (*CampaignFile, error) {
	var f CampaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid campaigns yaml: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// CampaignsFromFile reads a campaigns file from path.
func CampaignsFromFile(path string) (*CampaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("campaigns file %s not found", path)
		}
		return nil, err
	}
	return CampaignsFromYAML(data)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// ExampleCampaigns is printed by `dropline campaign example`.
const ExampleCampaigns = `campaigns:
  - id: farcaster-frame
    platform: social
    name: "Frame drop"
    poap_event_id: "170001"

  - id: devcon-meetup
    platform: events
    name: "Meetup attendees"
    poap_event_id: "170002"
    luma:
      event_id: evt-abc123

  - id: story-reply
    platform: messaging
    name: "Reply to our story"
    poap_event_id: "170003"
    instagram:
      account_id: "17841400000000000"
      story_id: "18000000000000000"
      trigger_keyword: poap
      reply_message: "Thanks for replying! Claim your POAP here:"
`
