package main

import (
	ipfsLog "github.com/ipfs/go-log/v2"

	"github.com/pkdns-network/pkdns/common/util"
)

const logName = "pkdnsd"

var logger = ipfsLog.Logger(logName)

func initLog(moduleLevels map[string]string) error {
	if len(moduleLevels) == 0 {
		return nil
	}
	return util.SetLogModule(moduleLevels)
}
