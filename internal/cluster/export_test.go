package cluster

var MarshalNodeState = marshalNodeState
var MarshalClusterConfig = marshalClusterConfig
var MarshalTreeHead = marshalTreeHead
