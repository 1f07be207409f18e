package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// PremiumEntry is one premium-priced name in the list file. Renew is the
// decimal price as written, e.g. "500.00".
type PremiumEntry struct {
	Domain   string `mapstructure:"domain"`
	Currency string `mapstructure:"currency"`
	Renew    string `mapstructure:"renew"`
}

type PremiumList struct {
	Entries []PremiumEntry `mapstructure:"entries"`
}

// PremiumPrice is a parsed premium renew price.
type PremiumPrice struct {
	Currency string
	Amount   decimal.Decimal
}

func DefaultPremiumList() PremiumList {
	return PremiumList{}
}

type premiumSnapshot struct {
	list   PremiumList
	prices map[string]PremiumPrice
}

// PremiumListHolder serves the current premium price list and hot-reloads it
// when the file changes. Lookups must never block a billing run, so the
// snapshot swaps atomically.
type PremiumListHolder struct {
	current atomic.Value // holds premiumSnapshot
}

func NewPremiumListHolder() (*PremiumListHolder, error) {
	v := viper.New()

	v.SetConfigName("premium")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/renovo/config") // Volume-mounted config
	v.AddConfigPath("/etc/renovo")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("RENOVO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	missing := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No list file means no premium names; the schedule price applies.
		missing = true
	}

	var list PremiumList
	if !missing {
		if err := v.UnmarshalKey("premium", &list); err != nil {
			return nil, err
		}
	}
	snap, err := buildPremiumSnapshot(list)
	if err != nil {
		return nil, err
	}

	holder := &PremiumListHolder{}
	holder.current.Store(snap)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PremiumList
		if err := v.UnmarshalKey("premium", &updated); err != nil {
			log.Printf("[premium-list] reload failed: %v", err)
			return
		}
		snap, err := buildPremiumSnapshot(updated)
		if err != nil {
			log.Printf("[premium-list] invalid list ignored: %v", err)
			return
		}
		holder.current.Store(snap)
		log.Printf("[premium-list] reloaded %d entries from %s", len(updated.Entries), e.Name)
	})

	return holder, nil
}

// NewStaticPremiumList builds a holder from an in-memory list, without file
// watching. Used by tests and by callers that manage the list themselves.
func NewStaticPremiumList(list PremiumList) (*PremiumListHolder, error) {
	snap, err := buildPremiumSnapshot(list)
	if err != nil {
		return nil, err
	}
	holder := &PremiumListHolder{}
	holder.current.Store(snap)
	return holder, nil
}

func (h *PremiumListHolder) Get() PremiumList {
	return h.current.Load().(premiumSnapshot).list
}

// Lookup returns the premium renew price for a fully qualified domain name.
func (h *PremiumListHolder) Lookup(domainName string) (PremiumPrice, bool) {
	snap := h.current.Load().(premiumSnapshot)
	price, ok := snap.prices[strings.ToLower(strings.TrimSpace(domainName))]
	return price, ok
}

func buildPremiumSnapshot(list PremiumList) (premiumSnapshot, error) {
	prices := make(map[string]PremiumPrice, len(list.Entries))
	for _, entry := range list.Entries {
		name := strings.ToLower(strings.TrimSpace(entry.Domain))
		if name == "" {
			return premiumSnapshot{}, errors.New("premium.entries: domain cannot be empty")
		}
		if entry.Currency == "" {
			return premiumSnapshot{}, fmt.Errorf("premium.entries: %s has no currency", name)
		}
		amount, err := decimal.NewFromString(entry.Renew)
		if err != nil {
			return premiumSnapshot{}, fmt.Errorf("premium.entries: %s has invalid renew price %q", name, entry.Renew)
		}
		if amount.IsNegative() {
			return premiumSnapshot{}, fmt.Errorf("premium.entries: %s has negative renew price", name)
		}
		if _, dup := prices[name]; dup {
			return premiumSnapshot{}, fmt.Errorf("premium.entries: %s listed twice", name)
		}
		prices[name] = PremiumPrice{Currency: strings.ToUpper(entry.Currency), Amount: amount}
	}
	return premiumSnapshot{list: list, prices: prices}, nil
}
