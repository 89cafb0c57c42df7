package placement

//
// Placement collaborator clerk. The collaborator itself is an external
// service; nodes only report status and obey the commands it returns.
//

import (
	"sync/atomic"

	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/pkg/common"
)

type Clerk struct {
	servers []*netw.ClientEnd
	leader  int32
}

func MakeClerk(servers []*netw.ClientEnd) *Clerk {
	return &Clerk{servers: servers}
}

func (ck *Clerk) getLeader() int {
	return int(atomic.LoadInt32(&ck.leader))
}

func (ck *Clerk) setLeader(leader int) {
	atomic.StoreInt32(&ck.leader, int32(leader))
}

// Heartbeat reports the node's hosted shards and returns the collaborator's
// commands. Retries around the server list until one answers; a node can
// survive a collaborator outage, it just receives no commands.
func (ck *Clerk) Heartbeat(args common.NodeHeartbeatArgs, maxTries int) (common.NodeHeartbeatReply, bool) {
	if len(ck.servers) == 0 {
		return common.NodeHeartbeatReply{}, false
	}
	i := ck.getLeader()
	for try := 0; try < maxTries; try++ {
		var reply common.NodeHeartbeatReply
		if ok := ck.servers[i].Call(netw.ApiNodeHeartbeat, &args, &reply); !ok {
			i = (i + 1) % len(ck.servers)
			continue
		}
		if reply.Err == common.ErrNotLeader || reply.Err == common.ErrFailed {
			i = (i + 1) % len(ck.servers)
			continue
		}
		ck.setLeader(i)
		return reply, true
	}
	return common.NodeHeartbeatReply{}, false
}
