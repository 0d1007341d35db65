package mt5

import (
	"fmt"

	"fxcore/internal/broker"
)

// MT5 trade server return codes, as surfaced by the bridge.
const (
	retcodeRequote       = 10004
	retcodeReject        = 10006
	retcodeCancel        = 10007
	retcodeDone          = 10009
	retcodeTimeout       = 10012
	retcodeInvalid       = 10013
	retcodeInvalidVolume = 10014
	retcodeInvalidPrice  = 10015
	retcodeInvalidStops  = 10016
	retcodeMarketClosed  = 10018
	retcodeNoMoney       = 10019
	retcodePriceChanged  = 10020
	retcodePriceOff      = 10021
	retcodeTooManyReqs   = 10024
	retcodeNoConnection  = 10031
	retcodeLimitVolume   = 10034
)

// classifyRetcode maps a non-done retcode onto the error taxonomy. Requotes,
// timeouts and connection loss are transient; parameter and margin failures
// are venue rejections.
func classifyRetcode(retcode int64, comment string) error {
	class := broker.Rejected
	switch retcode {
	case retcodeRequote, retcodeTimeout, retcodePriceChanged, retcodePriceOff,
		retcodeTooManyReqs, retcodeNoConnection:
		class = broker.Transient
	case retcodeReject, retcodeCancel, retcodeInvalid, retcodeInvalidVolume,
		retcodeInvalidPrice, retcodeInvalidStops, retcodeMarketClosed,
		retcodeNoMoney, retcodeLimitVolume:
		class = broker.Rejected
	}
	if comment == "" {
		comment = "order not done"
	}
	return broker.NewError(class, "mt5", fmt.Sprintf("%d", retcode), comment, nil)
}
