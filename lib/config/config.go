// Package config provides helper functionality to read service configurations
// from JSON config files or OS ENV variables. The default configuration can be
// overridden first by a valid JSON config file (see cmd/conf.json for a
// sample) and then by OS ENV variables prefixed with CPG_ (ie. CPG_DBTYPE,
// CPG_DBCONN, ...).
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// Default configuration variables.
var (
	ChainDefault      = "stellar"
	LogDefault        = "info"
	DBTypeDefault     = "mongodb"
	DBConnDefault     = "mongodb://localhost/cpg"
	MBConnDefault     = ""
	EndpointDefault   = ""
	PortDefault       = "5000"
	SSLPortDefault    = ""
	SSLCertDefault    = ""
	SSLKeyDefault     = ""
	AssetIDDefault    = "XLM"
	AssetNameDefault  = "Stellar Lumen"
	AssetOpKeyDefault = "native"
	AccuracyDefault   = 7
	RefreshMSDefault  = 60000
	SocketTimeoutMS   = 600000
)

// ServiceConfig contains the fields required by the custody and signing
// services: chain and node connection, asset identity, persistence and broker
// connections, API endpoint and wallet credentials. The custody service only
// ever carries the view key; the private key belongs to the signing service.
type ServiceConfig struct {
	Chain       string `json:"chain"`
	ServiceName string `json:"serviceName"`
	Version     string `json:"version"`
	Testnet     bool   `json:"testnet"`
	Log         string `json:"log"`

	DBType string `json:"dbtype"`
	DBConn string `json:"dbconn"`
	MBConn string `json:"mbconn"`

	Endpoint string `json:"endpoint"`
	Port     string `json:"port"`
	SSLPort  string `json:"sslport"`
	SSLCert  string `json:"sslcert"`
	SSLKey   string `json:"sslkey"`

	Node            string `json:"node"`
	AssetID         string `json:"assetId"`
	AssetName       string `json:"assetName"`
	AssetOpKey      string `json:"assetOpKey"`
	AssetAccuracy   int    `json:"assetAccuracy"`
	RefreshMS       int    `json:"refreshEach"`
	SocketTimeoutMS int    `json:"socketTimeout"`

	// Bounce enables return transactions for unidentifiable deposits. The
	// value doubles as the funds-adding source-tag sentinel that must never
	// itself be bounced; empty disables bouncing.
	Bounce string `json:"bounce"`

	// TxPriority and TxUnlock are chain-specific fee-priority and time-lock
	// hints; nil leaves them unset.
	TxPriority *int `json:"txPriority"`
	TxUnlock   *int `json:"txUnlock"`

	WalletAddress    string `json:"walletAddress"`
	WalletViewKey    string `json:"walletViewKey"`
	WalletPrivateKey string `json:"walletPrivateKey"`
}

// ExtractConfiguration reads from the given JSON filename and returns the
// ServiceConfig or an error otherwise.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	conf := ServiceConfig{
		Chain:           ChainDefault,
		Log:             LogDefault,
		DBType:          DBTypeDefault,
		DBConn:          DBConnDefault,
		MBConn:          MBConnDefault,
		Endpoint:        EndpointDefault,
		Port:            PortDefault,
		SSLPort:         SSLPortDefault,
		SSLCert:         SSLCertDefault,
		SSLKey:          SSLKeyDefault,
		AssetID:         AssetIDDefault,
		AssetName:       AssetNameDefault,
		AssetOpKey:      AssetOpKeyDefault,
		AssetAccuracy:   AccuracyDefault,
		RefreshMS:       RefreshMSDefault,
		SocketTimeoutMS: SocketTimeoutMS,
	}

	// read from config file first
	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, err
		}
		defer file.Close()

		if err = json.NewDecoder(file).Decode(&conf); err != nil {
			return conf, err
		}
	}

	// then override config values with OS ENV variables
	overrides := map[string]*string{
		"CPG_CHAIN":      &conf.Chain,
		"CPG_LOG":        &conf.Log,
		"CPG_DBTYPE":     &conf.DBType,
		"CPG_DBCONN":     &conf.DBConn,
		"CPG_MBCONN":     &conf.MBConn,
		"CPG_ENDPOINT":   &conf.Endpoint,
		"CPG_PORT":       &conf.Port,
		"CPG_SSLPORT":    &conf.SSLPort,
		"CPG_SSLCERT":    &conf.SSLCert,
		"CPG_SSLKEY":     &conf.SSLKey,
		"CPG_NODE":       &conf.Node,
		"CPG_ASSETID":    &conf.AssetID,
		"CPG_ASSETNAME":  &conf.AssetName,
		"CPG_ASSETOPKEY": &conf.AssetOpKey,
		"CPG_BOUNCE":     &conf.Bounce,
		"CPG_WALLET":     &conf.WalletAddress,
		"CPG_VIEWKEY":    &conf.WalletViewKey,
		"CPG_PRIVKEY":    &conf.WalletPrivateKey,
	}
	for env, field := range overrides {
		if tmp := os.Getenv(env); tmp != "" {
			*field = tmp
		}
	}

	if tmp := os.Getenv("CPG_REFRESH"); tmp != "" {
		ms, err := strconv.Atoi(tmp)
		if err != nil {
			return conf, err
		}

		conf.RefreshMS = ms
	}

	if tmp := os.Getenv("CPG_ACCURACY"); tmp != "" {
		acc, err := strconv.Atoi(tmp)
		if err != nil {
			return conf, err
		}

		conf.AssetAccuracy = acc
	}

	return conf, nil
}

// BounceEnabled reports whether bounce generation is switched on.
func (c ServiceConfig) BounceEnabled() bool {
	return c.Bounce != ""
}
