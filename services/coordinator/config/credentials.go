// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/pool"
)

// CredentialsConfig names where the structured store password comes from.
// The password itself never appears in the file.
type CredentialsConfig struct {
	// Username for remote endpoints.
	Username string `yaml:"username"`

	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`

	// PasswordFile is a file holding the password. Trailing whitespace is
	// trimmed.
	PasswordFile string `yaml:"password_file"`
}

func (c CredentialsConfig) validate() error {
	if c.PasswordEnv != "" && c.PasswordFile != "" {
		return errors.New("set at most one of password_env and password_file")
	}
	return nil
}

// Seal reads the password and seals it into a memguard enclave.
//
// Description:
//
//	The plaintext read from the environment or the file is wiped once it
//	has been sealed. With neither source set the credentials carry only the
//	username.
//
// Outputs:
//
//	pool.Credentials - Ready to assign to pool.Config.Credentials.
//	error - Non-nil if the source cannot be read.
func (c CredentialsConfig) Seal() (pool.Credentials, error) {
	var raw []byte
	switch {
	case c.PasswordEnv != "":
		v, ok := os.LookupEnv(c.PasswordEnv)
		if !ok {
			return pool.Credentials{}, fmt.Errorf("password env %s is not set", c.PasswordEnv)
		}
		raw = []byte(v)
	case c.PasswordFile != "":
		data, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return pool.Credentials{}, fmt.Errorf("read password file: %w", err)
		}
		raw = data
	default:
		return pool.NewCredentials(c.Username, nil), nil
	}

	trimmed := bytes.TrimRight(raw, " \t\r\n")
	password := make([]byte, len(trimmed))
	copy(password, trimmed)
	memguard.WipeBytes(raw)
	return pool.NewCredentials(c.Username, password), nil
}
