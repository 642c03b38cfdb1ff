package state

var (
	accountBalancePrefix  = []byte("account/balance/")
	escrowRecordPrefix    = []byte("escrow/record/")
	escrowCountKey        = []byte("escrow/count")
	escrowPartyPrefix     = []byte("escrow/party/")
	settlementPrefix      = []byte("arbitration/settlement/")
	settledCachePrefix    = []byte("arbitration/cache/")
	roleMemberPrefix      = []byte("roles/member/")
	roleListPrefix        = []byte("roles/list/")
	escrowVaultModuleName = "escrow"
)

// Role set names.
const (
	RoleSetArbitrators  = "arbitrators"
	RoleSetCoordinators = "coordinators"
	RoleSetGovernors    = "governors"
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}
