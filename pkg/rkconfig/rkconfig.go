package rkconfig

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	"github.com/sisatech/toml"
)

// Config is the on-disk configuration shared by the master and storage
// commands. Both read the same file; each consumes its own table.
type Config struct {
	Master  MasterConfig  `toml:"master"`
	Storage StorageConfig `toml:"storage"`
}

// MasterConfig parameterises the master server.
type MasterConfig struct {
	IPPort              string   `toml:"ip-port"`
	StorageNodeIPs      []string `toml:"storage-nodes"`
	HealthCheckPeriodMs uint32   `toml:"health-check-period-ms"`
	NumVirtualNodes     int      `toml:"virtual-nodes"`
	ReplicationFactor   int      `toml:"replication-factor"`
	DataBlockSize       uint32   `toml:"data-block-size"`
}

// NumStorageNodes returns the size of the configured fleet.
func (c *MasterConfig) NumStorageNodes() int {
	return len(c.StorageNodeIPs)
}

// StorageConfig parameterises a storage node.
type StorageConfig struct {
	StoreDirPath            string `toml:"store-dir"`
	StoreFilePrefix         string `toml:"store-file-prefix"`
	DiskBlockSize           uint32 `toml:"disk-block-size"`
	MaxDataSizePower        uint32 `toml:"max-data-size-power"`
	RemoveExistingStoreFile bool   `toml:"remove-existing-store-file"`
	DataBlockSize           uint32 `toml:"data-block-size"`
	KeyLengthMax            uint32 `toml:"key-length-max"`
	ListenIPPort            string `toml:"ip-port"`
}

// MaxDataSize returns the data section capacity in bytes.
func (c *StorageConfig) MaxDataSize() uint32 {
	return 1 << c.MaxDataSizePower
}

// StoreFileName derives this node's store file name from its NODE_ID.
func (c *StorageConfig) StoreFileName() string {
	return c.StoreFilePrefix + strconv.Itoa(NodeIDFromEnv())
}

// NodeIDFromEnv reads the node's unique id from the NODE_ID environment
// variable, defaulting to 0.
func NodeIDFromEnv() int {
	v := os.Getenv("NODE_ID")
	if v == "" {
		return 0
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return id
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Master: MasterConfig{
			IPPort:              "http://0.0.0.0:3000",
			HealthCheckPeriodMs: 5000,
			NumVirtualNodes:     100,
			ReplicationFactor:   3,
			DataBlockSize:       4096,
		},
		Storage: StorageConfig{
			StoreDirPath:     "/rackkey",
			StoreFilePrefix:  "store",
			DiskBlockSize:    4096,
			MaxDataSizePower: 30,
			DataBlockSize:    4096,
			KeyLengthMax:     50,
			ListenIPPort:     "0.0.0.0:8080",
		},
	}
}

// Load reads the TOML config at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config '%s': %w", path, err)
	}

	if err = toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config '%s': %w", path, err)
	}

	if err = cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Master.DataBlockSize == 0 || c.Storage.DataBlockSize == 0 {
		return fmt.Errorf("data-block-size must be non-zero")
	}
	if c.Storage.DiskBlockSize == 0 {
		return fmt.Errorf("disk-block-size must be non-zero")
	}
	if c.Master.ReplicationFactor < 1 {
		return fmt.Errorf("replication-factor must be at least 1")
	}
	if c.Storage.KeyLengthMax == 0 {
		return fmt.Errorf("key-length-max must be non-zero")
	}
	return nil
}
