package pricing

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/pricing/config"
)

// Resolver - тарифы и цены. Каталог неизменяем после загрузки, синхронизация не нужна.
type Resolver interface {
	PriceFor(profile string, role model.Role) (int64, error)
	Profile(name string) (model.Profile, error)
	Profiles() []model.Profile
}

var (
	ErrUnknownProfile = errors.New("unknown profile")
	ErrInvalidCatalog = errors.New("invalid profile catalog")
)

const DefaultRouterProfile = "default"

// DefaultProfiles - тарифы по умолчанию, цены в рупиях
var DefaultProfiles = []model.Profile{
	{Name: "1 Jam", PriceCustomer: 5000, PriceReseller: 4000, Duration: time.Hour},
	{Name: "3 Jam", PriceCustomer: 10000, PriceReseller: 8000, Duration: 3 * time.Hour},
	{Name: "6 Jam", PriceCustomer: 18000, PriceReseller: 15000, Duration: 6 * time.Hour},
	{Name: "12 Jam", PriceCustomer: 30000, PriceReseller: 25000, Duration: 12 * time.Hour},
	{Name: "24 Jam", PriceCustomer: 50000, PriceReseller: 40000, Duration: 24 * time.Hour},
}

type catalog struct {
	Profiles []model.Profile `yaml:"profiles"`
}

type resolver struct {
	profiles map[string]model.Profile
	ordered  []model.Profile
}

func NewResolver(cfg config.Config) (Resolver, error) {
	if cfg.File == "" {
		return FromProfiles(DefaultProfiles)
	}

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, err
	}
	var c catalog
	if err = yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return FromProfiles(c.Profiles)
}

func FromProfiles(profiles []model.Profile) (Resolver, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: no profiles", ErrInvalidCatalog)
	}

	r := &resolver{profiles: make(map[string]model.Profile, len(profiles))}
	for _, p := range profiles {
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("%w: profile without name", ErrInvalidCatalog)
		case p.PriceCustomer <= 0 || p.PriceReseller <= 0:
			return nil, fmt.Errorf("%w: %s: prices must be positive", ErrInvalidCatalog, p.Name)
		case p.PriceReseller > p.PriceCustomer:
			return nil, fmt.Errorf("%w: %s: reseller price above customer price", ErrInvalidCatalog, p.Name)
		case p.Duration <= 0:
			return nil, fmt.Errorf("%w: %s: duration must be positive", ErrInvalidCatalog, p.Name)
		}
		if _, ok := r.profiles[p.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate profile %s", ErrInvalidCatalog, p.Name)
		}
		if p.RouterProfile == "" {
			p.RouterProfile = DefaultRouterProfile
		}
		r.profiles[p.Name] = p
		r.ordered = append(r.ordered, p)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Duration < r.ordered[j].Duration
	})
	return r, nil
}

// PriceFor - реселлер и администратор покупают по цене реселлера, остальные по цене покупателя
func (r *resolver) PriceFor(profile string, role model.Role) (int64, error) {
	p, err := r.Profile(profile)
	if err != nil {
		return 0, err
	}
	return PriceOf(p, role), nil
}

func PriceOf(p model.Profile, role model.Role) int64 {
	switch role {
	case model.RoleReseller, model.RoleAdmin:
		return p.PriceReseller
	default:
		return p.PriceCustomer
	}
}

func (r *resolver) Profile(name string) (model.Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return model.Profile{}, ErrUnknownProfile
	}
	return p, nil
}

func (r *resolver) Profiles() []model.Profile {
	profiles := make([]model.Profile, len(r.ordered))
	copy(profiles, r.ordered)
	return profiles
}
