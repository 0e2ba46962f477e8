package mongoadmin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestReplSetInitiateCommandEncoding(t *testing.T) {
	cmd := ReplSetInitiateCommand(ReplSetConfig{
		ID: "rs0",
		Members: []ReplSetMember{
			{ID: 0, Host: "127.0.0.1:27000"},
			{ID: 1, Host: "127.0.0.1:27001"},
		},
	})

	data, err := bson.Marshal(cmd)
	require.NoError(t, err)

	var decoded struct {
		Initiate ReplSetConfig `bson:"replSetInitiate"`
	}
	require.NoError(t, bson.Unmarshal(data, &decoded))
	assert.Equal(t, "rs0", decoded.Initiate.ID)
	require.Len(t, decoded.Initiate.Members, 2)
	assert.Equal(t, 1, decoded.Initiate.Members[1].ID)
	assert.Equal(t, "127.0.0.1:27001", decoded.Initiate.Members[1].Host)

	// the command name must be the first key
	assert.Equal(t, "replSetInitiate", cmd[0].Key)
}

func TestAddShardCommand(t *testing.T) {
	named := AddShardCommand("127.0.0.1:26001", "0")
	assert.Equal(t, bson.D{{Key: "addShard", Value: "127.0.0.1:26001"}, {Key: "name", Value: "0"}}, named)

	unnamed := AddShardCommand("test0/127.0.0.1:26001", "")
	assert.Equal(t, bson.D{{Key: "addShard", Value: "test0/127.0.0.1:26001"}}, unnamed)
}

func TestReplSetStatusPrimary(t *testing.T) {
	raw, err := bson.Marshal(bson.M{
		"set":     "rs0",
		"myState": 2,
		"members": bson.A{
			bson.M{"_id": 0, "name": "127.0.0.1:27000", "state": 2, "stateStr": "SECONDARY"},
			bson.M{"_id": 1, "name": "127.0.0.1:27001", "state": 1, "stateStr": "PRIMARY"},
		},
	})
	require.NoError(t, err)

	var status ReplSetStatus
	require.NoError(t, bson.Unmarshal(raw, &status))

	primary, ok := status.Primary()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:27001", primary.Name)

	status.Members = status.Members[:1]
	_, ok = status.Primary()
	assert.False(t, ok)
}
