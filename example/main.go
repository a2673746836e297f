// Command example wires the groupdav calendar core end to end: it loads
// configuration, opens a store, runs a few object mutations through the
// engine, evaluates a calendar-query filter, walks the change log and
// feeds an attendee mutation through the scheduling pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/keulen/groupdav/analyzer"
	"github.com/keulen/groupdav/config"
	"github.com/keulen/groupdav/engine"
	"github.com/keulen/groupdav/internal/xmlfilter"
	"github.com/keulen/groupdav/scheduling"
	"github.com/keulen/groupdav/scheduling/itip"
	"github.com/keulen/groupdav/scheduling/natsdeliver"
	"github.com/keulen/groupdav/storage"
	"github.com/keulen/groupdav/storage/memory"
	"github.com/keulen/groupdav/storage/sqlite"
)

const sampleEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//groupdav//example//EN
BEGIN:VEVENT
UID:%s
DTSTAMP:20260105T090000Z
DTSTART:20260112T100000Z
DTEND:20260112T110000Z
RRULE:FREQ=WEEKLY;COUNT=8
SUMMARY:Planning sync
ORGANIZER:mailto:alice@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:bob@example.com
END:VEVENT
END:VCALENDAR
`

const queryXML = `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20260101T000000Z" end="20260301T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger := cfg.Logging.NewLogger()

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("example failed", "error", err)
		os.Exit(1)
	}
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Store.Backend = config.BackendMemory
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	return cfg
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := engine.New(store,
		engine.WithLogger(logger),
		engine.WithAnalyzer(analyzerFor(cfg)),
	)

	deliverer, closeDeliverer, err := openDeliverer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeliverer()
	scheduler := scheduling.New(itip.NewBroker(), deliverer,
		scheduling.WithLogger(logger),
		scheduling.WithResolver(resourceResolver(cfg.Scheduling.ResourceAddresses)),
	)

	calendarID := "work"
	if err := store.CreateCalendar(ctx, &storage.Calendar{
		ID:                  calendarID,
		DisplayName:         "Work",
		SupportedComponents: []string{ical.CompEvent, ical.CompToDo},
	}); err != nil {
		return err
	}

	uid := uuid.NewString()
	uri := uid + ".ics"
	raw := fmt.Sprintf(sampleEvent, uid)
	etag, err := eng.CreateObject(ctx, calendarID, uri, raw)
	if err != nil {
		return err
	}
	logger.Info("created object", "uri", uri, "etag", etag)

	// Evaluate a calendar-query time-range filter against the store.
	filter, err := xmlfilter.ParseDocument([]byte(queryXML))
	if err != nil {
		return err
	}
	for match, err := range eng.Query(ctx, calendarID, filter, false) {
		if err != nil {
			return err
		}
		logger.Info("query match", "uri", match.URI, "etag", match.ETag)
	}

	// Replay the change log from scratch.
	summary, err := eng.ChangesSince(ctx, calendarID, nil, 0)
	if err != nil {
		return err
	}
	logger.Info("sync state", "token", summary.SyncToken, "added", summary.Added)

	// An attendee accepting the invitation yields a REPLY to the organizer.
	oldObj, err := store.GetObject(ctx, calendarID, uri)
	if err != nil {
		return err
	}
	oldCal, err := storage.ParseCalendar(oldObj.Data)
	if err != nil {
		return err
	}
	newCal, err := storage.ParseCalendar(acceptInvitation(oldObj.Data))
	if err != nil {
		return err
	}
	if err := scheduler.OnMutation(ctx, calendarID, uri, oldCal, newCal,
		[]string{"bob@example.com"}, nil); err != nil {
		return err
	}

	return nil
}

func openStore(cfg *config.Config) (storage.Store, func(), error) {
	if cfg.Store.Backend == config.BackendSQLite {
		s, err := sqlite.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return memory.New(), func() {}, nil
}

func analyzerFor(cfg *config.Config) *analyzer.Analyzer {
	if cfg.Analyzer.MaxIterations > 0 {
		return analyzer.New(analyzer.WithMaxIterations(cfg.Analyzer.MaxIterations))
	}
	return analyzer.New()
}

func openDeliverer(cfg *config.Config, logger *slog.Logger) (scheduling.Deliverer, func(), error) {
	if cfg.Scheduling.Enabled {
		nc := natsdeliver.DefaultConfig()
		nc.URL = cfg.Scheduling.NATS.URL
		nc.Subject = cfg.Scheduling.NATS.Subject
		if d := cfg.Scheduling.NATS.ConnectTimeout.Std(); d > 0 {
			nc.ConnectTimeout = d
		}
		pub, err := natsdeliver.NewPublisher(nc, logger)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	}
	// Without a broker just log what would have been sent.
	logOnly := scheduling.DelivererFunc(func(ctx context.Context, msg *itip.Message) error {
		logger.Info("would deliver",
			"method", string(msg.Method), "recipient", msg.Recipient, "uid", msg.UID)
		return nil
	})
	return logOnly, func() {}, nil
}

func resourceResolver(addresses []string) scheduling.RecipientResolver {
	resources := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		resources[itip.NormalizeAddress(addr)] = struct{}{}
	}
	return scheduling.ResolverFunc(func(address string) bool {
		_, ok := resources[itip.NormalizeAddress(address)]
		return ok
	})
}

func acceptInvitation(raw string) string {
	cal, err := storage.ParseCalendar(raw)
	if err != nil {
		return raw
	}
	for _, child := range cal.Children {
		for i, prop := range child.Props[ical.PropAttendee] {
			if itip.NormalizeAddress(prop.Value) == "bob@example.com" {
				child.Props[ical.PropAttendee][i].Params.Set(ical.ParamParticipationStatus, "ACCEPTED")
			}
		}
	}
	encoded, err := storage.EncodeCalendar(cal)
	if err != nil {
		return raw
	}
	return encoded
}
