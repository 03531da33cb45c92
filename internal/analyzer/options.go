package analyzer

import (
	"github.com/demolyzer/demolyzer/internal/cache"
	"github.com/demolyzer/demolyzer/internal/config"
	"github.com/demolyzer/demolyzer/internal/identity"
	"github.com/demolyzer/demolyzer/internal/stats"
	"github.com/demolyzer/demolyzer/internal/storage"
	"github.com/demolyzer/demolyzer/internal/window"
)

// IdentityOptions converts the identity section of cfg.
func IdentityOptions(cfg *config.Config) (identity.Options, error) {
	strategy, err := identity.ParseStrategy(cfg.Identity.Strategy)
	if err != nil {
		return identity.Options{}, err
	}
	return identity.Options{
		PlayerField:      cfg.Identity.PlayerField,
		TransientColumn:  cfg.Identity.TransientColumn,
		PersistentColumn: cfg.Identity.PersistentColumn,
		RewriteColumns:   append([]string(nil), cfg.Identity.RewriteColumns...),
		Strategy:         strategy,
	}, nil
}

// WindowOptions converts the window section of cfg. Windows match
// participants against the persistent identity column.
func WindowOptions(cfg *config.Config) (window.Options, error) {
	participants, err := window.ParseParticipants(cfg.Window.Participants)
	if err != nil {
		return window.Options{}, err
	}
	opts := window.Options{
		TicksBefore:    cfg.Window.TicksBefore,
		TicksAfter:     cfg.Window.TicksAfter,
		AttackerColumn: cfg.Window.AttackerColumn,
		VictimColumn:   cfg.Window.VictimColumn,
		IdentityColumn: cfg.Identity.PersistentColumn,
		Participants:   participants,
	}
	return opts, opts.Validate()
}

// StatsOptions converts the stats section of cfg.
func StatsOptions(cfg *config.Config) stats.Options {
	return stats.Options{
		PlayerField:    cfg.Identity.PlayerField,
		IdentityColumn: cfg.Identity.PersistentColumn,
		NameColumn:     cfg.Stats.NameColumn,
		StatusColumn:   cfg.Stats.StatusColumn,
		AliveStatus:    cfg.Stats.AliveStatus,
		DeathStatus:    cfg.Stats.DeathStatus,
	}
}

// CacheOptions converts the cache section of cfg. A disabled cache opens
// as cache.Nop.
func CacheOptions(cfg *config.Config) cache.Options {
	if !cfg.Cache.Enabled {
		return cache.Options{Type: cache.TypeNone}
	}
	return cache.Options{
		Type:          cfg.Cache.Type,
		Path:          cfg.Cache.Path,
		MemoryEntries: cfg.Cache.MemoryEntries,
		Bucket:        cfg.Cache.S3.Bucket,
		Prefix:        cfg.Cache.S3.Prefix,
		S3: storage.S3Config{
			Region:       cfg.Cache.S3.Region,
			Endpoint:     cfg.Cache.S3.Endpoint,
			UsePathStyle: cfg.Cache.S3.UsePathStyle,
		},
	}
}
