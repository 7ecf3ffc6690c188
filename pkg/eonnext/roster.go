package eonnext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
)

// Gas meters report volume. These convert m3 to kWh.
const (
	gasVolumeCorrection = 1.02264
	gasCalorificValue   = 38
)

// GasKWh converts a gas register reading in m3 to kWh, rounded to a whole
// number like the reading itself.
func GasKWh(m3 float64) float64 {
	return math.Round(m3 * gasVolumeCorrection * gasCalorificValue / 3.6)
}

// Accounts returns the roster loaded at login.
func (c *Client) Accounts() []Account {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()
	return append([]Account(nil), c.accounts...)
}

// Meters flattens the meters of every account in roster order.
func (c *Client) Meters() []types.Meter {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()
	var meters []types.Meter
	for _, a := range c.accounts {
		meters = append(meters, a.Meters...)
	}
	return meters
}

// EVChargers flattens the chargers of every account.
func (c *Client) EVChargers() []types.EVCharger {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()
	var chargers []types.EVCharger
	for _, a := range c.accounts {
		chargers = append(chargers, a.EVChargers...)
	}
	return chargers
}

// loadAccounts populates the roster once. Later logins keep the roster.
func (c *Client) loadAccounts(ctx context.Context) error {
	c.accountsMu.RLock()
	loaded := len(c.accounts) > 0
	c.accountsMu.RUnlock()
	if loaded {
		return nil
	}

	var viewer struct {
		Viewer *struct {
			Accounts []struct {
				Number string `json:"number"`
			} `json:"accounts"`
		} `json:"viewer"`
	}
	if err := c.authedGraphQL(ctx, "headerGetLoggedInUser", viewerAccountsQuery, nil, &viewer); err != nil {
		return fmt.Errorf("failed to load energy accounts: %w", err)
	}
	if viewer.Viewer == nil {
		return fmt.Errorf("%w: unable to load energy accounts", ErrAPI)
	}

	accounts := make([]Account, 0, len(viewer.Viewer.Accounts))
	for _, a := range viewer.Viewer.Accounts {
		if a.Number == "" {
			continue
		}
		meters, err := c.loadMeters(ctx, a.Number)
		if err != nil {
			return err
		}
		accounts = append(accounts, Account{
			Number:     a.Number,
			Meters:     meters,
			EVChargers: c.loadEVChargers(ctx, a.Number),
		})
	}

	c.accountsMu.Lock()
	c.accounts = accounts
	c.accountsMu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "loaded eon next accounts", slog.Int("accounts", len(accounts)))
	return nil
}

type meterPoint struct {
	ID     string `json:"id"`
	MPAN   string `json:"mpan"`
	MPRN   string `json:"mprn"`
	Meters []struct {
		ID           string `json:"id"`
		SerialNumber string `json:"serialNumber"`
	} `json:"meters"`
}

func (c *Client) loadMeters(ctx context.Context, accountNumber string) ([]types.Meter, error) {
	var data struct {
		Properties []struct {
			ElectricityMeterPoints []meterPoint `json:"electricityMeterPoints"`
			GasMeterPoints         []meterPoint `json:"gasMeterPoints"`
		} `json:"properties"`
	}
	vars := map[string]any{"accountNumber": accountNumber, "showInactive": false}
	if err := c.authedGraphQL(ctx, "getAccountMeterSelector", accountMetersQuery, vars, &data); err != nil {
		return nil, fmt.Errorf("unable to load energy meters for account %s: %w", accountNumber, err)
	}

	var meters []types.Meter
	add := func(points []meterPoint, kind types.MeterKind) {
		for _, p := range points {
			supplyPoint := p.MPAN
			if kind == types.MeterKindGas {
				supplyPoint = p.MPRN
			}
			if supplyPoint == "" {
				supplyPoint = p.ID
			}
			for _, m := range p.Meters {
				meters = append(meters, types.Meter{
					ID:            m.ID,
					Serial:        m.SerialNumber,
					SupplyPointID: supplyPoint,
					Kind:          kind,
					AccountNumber: accountNumber,
				})
			}
		}
	}
	for _, prop := range data.Properties {
		add(prop.ElectricityMeterPoints, types.MeterKindElectric)
		add(prop.GasMeterPoints, types.MeterKindGas)
	}
	return meters, nil
}

// loadEVChargers returns the live SmartFlex devices on an account. Failures
// are logged and yield no chargers since not every account has them.
func (c *Client) loadEVChargers(ctx context.Context, accountNumber string) []types.EVCharger {
	var data struct {
		Devices []struct {
			ID         string `json:"id"`
			Provider   string `json:"provider"`
			DeviceType string `json:"deviceType"`
			Typename   string `json:"__typename"`
			Make       string `json:"make"`
			Model      string `json:"model"`
			Status     struct {
				Current string `json:"current"`
			} `json:"status"`
		} `json:"devices"`
	}
	vars := map[string]any{"accountNumber": accountNumber}
	if err := c.authedGraphQL(ctx, "getAccountDevices", accountDevicesQuery, vars, &data); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "unable to load ev devices", slog.String("account", accountNumber), slog.Any("error", err))
		return nil
	}

	var chargers []types.EVCharger
	seen := map[string]bool{}
	for _, d := range data.Devices {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		if d.Status.Current != "" && d.Status.Current != "LIVE" {
			log.Ctx(ctx).DebugContext(ctx, "skipping device that is not live", slog.String("deviceID", d.ID), slog.String("status", d.Status.Current))
			continue
		}
		deviceType := strings.ToUpper(d.DeviceType)
		isEV := strings.Contains(strings.ToUpper(d.Typename), "SMARTFLEX") ||
			strings.Contains(deviceType, "SMART_FLEX") ||
			strings.Contains(deviceType, "VEHICLE") ||
			strings.Contains(deviceType, "CHARGE_POINT")
		if !isEV {
			continue
		}

		name := strings.TrimSpace(strings.Join([]string{strings.TrimSpace(d.Make), strings.TrimSpace(d.Model)}, " "))
		if name == "" {
			name = d.Provider
		}
		if name == "" {
			name = d.ID
		}
		chargers = append(chargers, types.EVCharger{DeviceID: d.ID, Name: name, AccountNumber: accountNumber})
		seen[d.ID] = true
	}
	return chargers
}

// LatestReading returns the most recent register read for a meter. ok is
// false when the meter has no readings.
func (c *Client) LatestReading(ctx context.Context, meter types.Meter) (types.MeterReading, bool, error) {
	query := electricityReadingsQuery
	operation := "meterReadingsHistoryTableElectricityReadings"
	switch meter.Kind {
	case types.MeterKindElectric:
	case types.MeterKindGas:
		query = gasReadingsQuery
		operation = "meterReadingsHistoryTableGasReadings"
	default:
		return types.MeterReading{}, false, fmt.Errorf("unknown meter kind %q", meter.Kind)
	}

	var data struct {
		Readings *struct {
			Edges []struct {
				Node struct {
					ReadAt    string `json:"readAt"`
					Registers []struct {
						Value json.Number `json:"value"`
					} `json:"registers"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"readings"`
	}
	vars := map[string]any{"accountNumber": meter.AccountNumber, "cursor": "", "meterId": meter.ID}
	if err := c.authedGraphQL(ctx, operation, query, vars, &data); err != nil {
		return types.MeterReading{}, false, err
	}
	if data.Readings == nil {
		log.Ctx(ctx).WarnContext(ctx, "unable to load readings for meter", slog.String("serial", meter.Serial))
		return types.MeterReading{}, false, nil
	}
	if len(data.Readings.Edges) == 0 || len(data.Readings.Edges[0].Node.Registers) == 0 {
		return types.MeterReading{}, false, nil
	}

	node := data.Readings.Edges[0].Node
	v, err := strconv.ParseFloat(node.Registers[0].Value.String(), 64)
	if err != nil {
		return types.MeterReading{}, false, fmt.Errorf("%w: invalid reading value %q: %w", ErrAPI, node.Registers[0].Value, err)
	}
	reading := types.MeterReading{Value: math.Round(v)}
	if d, err := parseDate(node.ReadAt); err == nil {
		reading.Date = d
	} else {
		log.Ctx(ctx).DebugContext(ctx, "unable to parse reading date", slog.String("serial", meter.Serial), slog.String("readAt", node.ReadAt))
	}
	return reading, true, nil
}

// parseDate reads the date part of an ISO timestamp.
func parseDate(s string) (time.Time, error) {
	datePart, _, _ := strings.Cut(s, "T")
	if datePart == "" {
		return time.Time{}, errors.New("empty date")
	}
	return time.Parse(time.DateOnly, datePart)
}
