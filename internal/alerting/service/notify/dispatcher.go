package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/metrics"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

const smsMessageType = "Alarm"

// Publisher sends outbound commands on the event bus.
type Publisher interface {
	Publish(ctx context.Context, cmd model.Command) error
}

// Channels selects the delivery channels of a dispatch.
type Channels struct {
	Email bool
	Sms   bool
}

// ChannelsOf returns the channels enabled on m.
func ChannelsOf(m *model.NotificationMonitor) Channels {
	return Channels{Email: m.EmailChannelActive, Sms: m.SmsChannelActive}
}

// Dispatcher renders notices from stored templates and publishes one command
// per user per enabled channel.
type Dispatcher struct {
	Store orionld.Store
	Bus   Publisher
}

func NewDispatcher(store orionld.Store, bus Publisher) *Dispatcher {
	return &Dispatcher{Store: store, Bus: bus}
}

// Dispatch returns the number of commands published. Template lookup failures
// fall back to the built-in defaults; publish failures are joined and
// returned after every recipient has been tried.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant string, users []model.User, notice model.Notice, params map[string]string, ch Channels) (int, error) {
	var (
		sent int
		errs []error
	)
	if ch.Email {
		n, err := d.sendEmail(ctx, tenant, users, notice, params)
		sent += n
		errs = append(errs, err)
	}
	if ch.Sms {
		n, err := d.sendSms(ctx, tenant, users, notice, params)
		sent += n
		errs = append(errs, err)
	}
	return sent, errors.Join(errs...)
}

func (d *Dispatcher) sendEmail(ctx context.Context, tenant string, users []model.User, notice model.Notice, params map[string]string) (int, error) {
	subject, body := DefaultEmailSubject, DefaultEmailBody
	var tmpl model.EmailTemplate
	if d.template(ctx, tenant, notice.EmailTemplateID(), &tmpl) {
		if v := model.ValueOf(tmpl.Subject); v != "" {
			subject = v
		}
		if v := model.ValueOf(tmpl.Body); v != "" {
			body = v
		}
	}
	subject, body = unescape(subject), unescape(body)

	var (
		sent int
		errs []error
	)
	for i := range users {
		u := &users[i]
		to := model.ValueOf(u.Email)
		if to == "" {
			log.Warn().Str("user", u.ID).Msg("user has no email address")
			metrics.DispatchSkipped.WithLabelValues(model.ChannelEmail).Inc()
			continue
		}
		p := withUser(params, u)
		cmd := model.CreateEmailCommand{
			ToEmail:  to,
			ToName:   u.DisplayName(),
			Subject:  Render(subject, p),
			BodyHTML: Render(body, p),
			Tenant:   tenant,
		}
		if err := d.Bus.Publish(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("email to %s: %w", u.ID, err))
			continue
		}
		log.Info().Str("tenant", tenant).Str("notice", string(notice)).Str("to", to).Str("subject", cmd.Subject).Msg("email command published")
		metrics.NoticesDispatched.WithLabelValues(string(notice), model.ChannelEmail).Inc()
		sent++
	}
	return sent, errors.Join(errs...)
}

func (d *Dispatcher) sendSms(ctx context.Context, tenant string, users []model.User, notice model.Notice, params map[string]string) (int, error) {
	message := DefaultSmsMessage
	var tmpl model.SmsTemplate
	if d.template(ctx, tenant, notice.SmsTemplateID(), &tmpl) {
		if v := model.ValueOf(tmpl.Message); v != "" {
			message = v
		}
	}

	var (
		sent int
		errs []error
	)
	for i := range users {
		u := &users[i]
		to := model.ValueOf(u.Mobile)
		if to == "" {
			log.Warn().Str("user", u.ID).Msg("user has no mobile number")
			metrics.DispatchSkipped.WithLabelValues(model.ChannelSms).Inc()
			continue
		}
		cmd := model.CreateSmsCommand{
			PhoneNumber: to,
			Message:     Render(message, withUser(params, u)),
			Tenant:      tenant,
			MessageType: smsMessageType,
		}
		if err := d.Bus.Publish(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", u.ID, err))
			continue
		}
		log.Info().Str("tenant", tenant).Str("notice", string(notice)).Str("to", to).Msg("sms command published")
		metrics.NoticesDispatched.WithLabelValues(string(notice), model.ChannelSms).Inc()
		sent++
	}
	return sent, errors.Join(errs...)
}

// template loads the template id into out and reports whether it was found.
func (d *Dispatcher) template(ctx context.Context, tenant, id string, out any) bool {
	err := d.Store.GetEntity(ctx, tenant, id, out)
	switch {
	case err == nil:
		return true
	case errors.Is(err, orionld.ErrNotFound):
		log.Debug().Str("template", id).Msg("template not found, using default")
	default:
		log.Warn().Err(err).Str("template", id).Msg("template lookup failed, using default")
	}
	return false
}

func withUser(params map[string]string, u *model.User) map[string]string {
	p := make(map[string]string, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p[ParamUserName] = u.DisplayName()
	return p
}
