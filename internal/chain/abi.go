package chain

// RegistryABI is the subset of the TaskRegistry contract the engine calls.
const RegistryABI = `[
  {"type":"function","name":"createTask","stateMutability":"nonpayable","inputs":[
    {"name":"taskId","type":"bytes32"},{"name":"rewardAmount","type":"uint256"},
    {"name":"complexity","type":"uint8"},{"name":"title","type":"string"}],"outputs":[]},
  {"type":"function","name":"claimTask","stateMutability":"nonpayable","inputs":[
    {"name":"taskId","type":"bytes32"},{"name":"claimant","type":"address"},
    {"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"validateSubmission","stateMutability":"nonpayable","inputs":[
    {"name":"taskId","type":"bytes32"},{"name":"evidenceUrl","type":"string"},
    {"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],
    "outputs":[{"name":"isValid","type":"bool"}]},
  {"type":"function","name":"completeTask","stateMutability":"nonpayable","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getTask","stateMutability":"view","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[
    {"name":"rewardAmount","type":"uint256"},{"name":"complexity","type":"uint8"},
    {"name":"status","type":"uint8"},{"name":"assignee","type":"address"},
    {"name":"title","type":"string"},{"name":"exists","type":"bool"}]},
  {"type":"function","name":"isTaskClaimable","stateMutability":"view","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getTaskAssignee","stateMutability":"view","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getTaskStatus","stateMutability":"view","inputs":[
    {"name":"taskId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"DOMAIN_SEPARATOR","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"event","name":"SubmissionValidated","anonymous":false,"inputs":[
    {"name":"taskId","type":"bytes32","indexed":true},
    {"name":"assignee","type":"address","indexed":true},
    {"name":"isValid","type":"bool","indexed":false}]},
  {"type":"event","name":"TaskClaimed","anonymous":false,"inputs":[
    {"name":"taskId","type":"bytes32","indexed":true},
    {"name":"claimant","type":"address","indexed":true}]}
]`
