package dispatch

import (
	"context"
	"strings"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

// Content is everything a personalizer may draw on for one contractor.
type Content struct {
	Contractor model.Contractor
	BidCard    *model.BidCard
	Channel    string
	Link       string
}

type Rendered struct {
	Subject string
	Body    string
	Fields  map[string]string
}

// Personalizer renders contractor-specific content. Implementations must
// include the contractor's name and the tracking link.
type Personalizer interface {
	Personalize(ctx context.Context, c Content) (Rendered, error)
}

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

const (
	DefaultSubject   = "New {project_type} project in {location}"
	DefaultEmailBody = "Hi {company_name},\n\nA homeowner in {location} is collecting bids for a {project_type} project. " +
		"Review the details and submit your bid here: {link}\n"
	DefaultSMSBody = "Hi {company_name}, new {project_type} job in {location}. Bid: {link}"
)

type TemplatePersonalizer struct {
	Subject   string
	EmailBody string
	SMSBody   string
}

func NewTemplatePersonalizer() *TemplatePersonalizer {
	return &TemplatePersonalizer{Subject: DefaultSubject, EmailBody: DefaultEmailBody, SMSBody: DefaultSMSBody}
}

func (p *TemplatePersonalizer) Personalize(_ context.Context, c Content) (Rendered, error) {
	data := map[string]string{
		"company_name": c.Contractor.CompanyName,
		"link":         c.Link,
	}
	if c.BidCard != nil {
		data["project_type"] = c.BidCard.ProjectType
		data["location"] = c.BidCard.Location.String()
	}
	for k, v := range data {
		if v == "" && k != "link" {
			data[k] = "N/A"
		}
	}

	body := p.EmailBody
	if c.Channel == model.ChannelSMS {
		body = p.SMSBody
	}
	out := Rendered{
		Subject: RenderTemplate(p.Subject, data),
		Body:    RenderTemplate(body, data),
	}
	if c.Channel == model.ChannelForm {
		out.Fields = map[string]string{
			"name":         data["company_name"],
			"project_type": data["project_type"],
			"location":     data["location"],
			"message":      out.Body,
		}
	}
	return out, nil
}
