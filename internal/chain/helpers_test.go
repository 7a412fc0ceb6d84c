package chain_test

import "time"

const timeout = 2 * time.Second
