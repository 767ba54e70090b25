// Copyright 2018 The xfsgo Authors
// This file is part of the xfsgo library.
//
// The xfsgo library is free software: you can redistribute it and/or modify
// it under the terms of the MIT Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The xfsgo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// MIT Lesser General Public License for more details.
//
// You should have received a copy of the MIT Lesser General Public License
// along with the xfsgo library. If not, see <https://mit-license.org/>.

package main

import (
	"errors"
	"fmt"
	"os"
)

// main maps Execute's error, if any, onto the exit codes spec section 6
// names: 0 normal, 1 config error, 3 network bind failure. Exit code 2
// (corruption detected) never flows through here — chain.fatalCorruption
// calls logrus.Exit(2) directly from wherever the corruption is noticed.
func main() {
	err := Execute()
	if err == nil {
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
	var be bindError
	if errors.As(err, &be) {
		os.Exit(3)
	}
	os.Exit(1)
}
