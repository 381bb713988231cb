package routerclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/service/routerclient/config"
)

// Provisioner - управление учетными данными хотспота на роутере.
// Provision идемпотентен по коду ваучера, Deprovision - по ссылке на учетные данные.
type Provisioner interface {
	Provision(ctx context.Context, code string, profile model.Profile) (ProvisionResult, error)
	Deprovision(ctx context.Context, credentialRef string) error
	QueryStatus(ctx context.Context, credentialRef string) (RemoteStatus, error)
}

type ProvisionResult struct {
	CredentialRef string
}

type RemoteStatus string

const (
	RemoteStatusActive  RemoteStatus = "active"
	RemoteStatusExpired RemoteStatus = "expired"
	RemoteStatusUnknown RemoteStatus = "unknown"
)

var (
	// сеть, таймаут, 5xx - можно повторить
	ErrUnreachable = errors.New("router unreachable")
	// роутер отказал (авторизация, конфигурация) - повтор не поможет
	ErrRejected = errors.New("router rejected request")
)

// JSON пользователя хотспота RouterOS
type hotspotUser struct {
	ID          string `json:".id,omitempty"`
	Name        string `json:"name"`
	Password    string `json:"password,omitempty"`
	Profile     string `json:"profile,omitempty"`
	LimitUptime string `json:"limit-uptime,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	Disabled    string `json:"disabled,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

const hotspotUserPath = "/rest/ip/hotspot/user"

type routerClient struct {
	cfg    config.Config
	client *resty.Client
	zaplog *zap.Logger
}

func NewRouterClient(cfg config.Config, zaplog *zap.Logger) Provisioner {
	client := resty.New().
		SetBaseURL(cfg.RouterAddr).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.Insecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &routerClient{cfg: cfg, client: client, zaplog: zaplog}
}

// classify - ошибки транспорта и 5xx/429/408 повторяемые, остальные 4xx нет
func classify(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrUnreachable, code, resp.String())
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, resp.String())
	}
}

func (c *routerClient) findByName(ctx context.Context, name string) (hotspotUser, bool, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("name", name).
		Get(hotspotUserPath)
	if err = classify(resp, err); err != nil {
		return hotspotUser{}, false, err
	}

	var users []hotspotUser
	if err = json.Unmarshal(resp.Body(), &users); err != nil {
		return hotspotUser{}, false, fmt.Errorf("%w: decode: %v", ErrRejected, err)
	}
	for _, u := range users {
		if u.Name == name {
			return u, true, nil
		}
	}
	return hotspotUser{}, false, nil
}

func (c *routerClient) Provision(ctx context.Context, code string, profile model.Profile) (ProvisionResult, error) {
	// Сначала проверка: повторный вызов не должен создать второго пользователя
	existing, ok, err := c.findByName(ctx, code)
	if err != nil {
		return ProvisionResult{}, err
	}
	if ok {
		c.zaplog.Info("hotspot user already exists",
			zap.String("voucher", code),
			zap.String("credential", existing.ID))
		return ProvisionResult{CredentialRef: existing.ID}, nil
	}

	user := hotspotUser{
		Name:        code,
		Password:    code,
		Profile:     profile.RouterProfile,
		LimitUptime: FormatUptime(profile.Duration),
		Comment:     strings.TrimSpace(c.cfg.Comment + " " + profile.Name),
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(user).
		Put(hotspotUserPath)
	if err = classify(resp, err); err != nil {
		// создан параллельным вызовом
		if errors.Is(err, ErrRejected) && strings.Contains(resp.String(), "already") {
			if existing, ok, ferr := c.findByName(ctx, code); ferr == nil && ok {
				return ProvisionResult{CredentialRef: existing.ID}, nil
			}
		}
		return ProvisionResult{}, err
	}

	var created hotspotUser
	if err = json.Unmarshal(resp.Body(), &created); err != nil || created.ID == "" {
		// тело ответа не содержит .id - ищем по имени
		existing, ok, ferr := c.findByName(ctx, code)
		if ferr != nil {
			return ProvisionResult{}, ferr
		}
		if !ok {
			return ProvisionResult{}, fmt.Errorf("%w: created user %s not found", ErrUnreachable, code)
		}
		created = existing
	}

	c.zaplog.Info("hotspot user created",
		zap.String("voucher", code),
		zap.String("credential", created.ID),
		zap.String("profile", user.Profile),
		zap.String("limit_uptime", user.LimitUptime))
	return ProvisionResult{CredentialRef: created.ID}, nil
}

func (c *routerClient) Deprovision(ctx context.Context, credentialRef string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", credentialRef).
		Delete(hotspotUserPath + "/{id}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		// уже удален
		return nil
	}
	if err = classify(resp, err); err != nil {
		return err
	}
	c.zaplog.Info("hotspot user removed", zap.String("credential", credentialRef))
	return nil
}

func (c *routerClient) QueryStatus(ctx context.Context, credentialRef string) (RemoteStatus, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", credentialRef).
		Get(hotspotUserPath + "/{id}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return RemoteStatusUnknown, nil
	}
	if err = classify(resp, err); err != nil {
		return RemoteStatusUnknown, err
	}

	var user hotspotUser
	if err = json.Unmarshal(resp.Body(), &user); err != nil {
		return RemoteStatusUnknown, fmt.Errorf("%w: decode: %v", ErrRejected, err)
	}
	if user.Disabled == "true" || user.Disabled == "yes" {
		return RemoteStatusExpired, nil
	}
	if user.LimitUptime != "" {
		limit, lerr := ParseUptime(user.LimitUptime)
		uptime, uerr := ParseUptime(user.Uptime)
		if lerr == nil && uerr == nil && limit > 0 && uptime >= limit {
			return RemoteStatusExpired, nil
		}
	}
	return RemoteStatusActive, nil
}
