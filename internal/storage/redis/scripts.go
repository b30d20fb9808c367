package redis

const (
	// commitBatchScript applies a unit of work in one atomic script run.
	// Keys are derived from ARGV[1] (the key prefix), so the store expects a
	// single Redis node rather than a cluster.
	//
	// ARGV layout:
	//   [1] prefix
	//   [2] session count N, followed by N groups of 7 session fields
	//   then app-usage count M, followed by M groups of 7 app-usage fields
	//
	// Every group is validated before the first write so a malformed batch
	// leaves the database untouched.
	commitBatchScript = `
local prefix = ARGV[1]
local idx = 2

local session_count = tonumber(ARGV[idx])
idx = idx + 1
local sessions = {}
for i = 1, session_count do
  local s = {
    id = ARGV[idx], employee_id = ARGV[idx + 1], project_id = ARGV[idx + 2],
    start_time = ARGV[idx + 3], end_time = ARGV[idx + 4], status = ARGV[idx + 5],
    active_duration = ARGV[idx + 6],
  }
  if s.id == nil or s.id == '' or s.employee_id == nil or s.employee_id == '' then
    return redis.error_reply('invalid session in batch')
  end
  sessions[i] = s
  idx = idx + 7
end

local app_count = tonumber(ARGV[idx])
idx = idx + 1
local apps = {}
for i = 1, app_count do
  local a = {
    id = ARGV[idx], session_id = ARGV[idx + 1], app_name = ARGV[idx + 2],
    status = ARGV[idx + 3], start_time = ARGV[idx + 4], end_time = ARGV[idx + 5],
    total_usage = ARGV[idx + 6],
  }
  if a.id == nil or a.id == '' or a.session_id == nil or a.session_id == '' then
    return redis.error_reply('invalid app usage in batch')
  end
  apps[i] = a
  idx = idx + 7
end

local active_set = prefix .. ':sessions:active'
local all_index = prefix .. ':sessions:all'
local all_apps = prefix .. ':apps:all'

for _, a in ipairs(apps) do
  local app_key = prefix .. ':app:' .. a.id
  local session_apps = prefix .. ':apps:session:' .. a.session_id
  local session_active_apps = prefix .. ':active:apps:' .. a.session_id
  redis.call('HSET', app_key,
    'id', a.id,
    'session_id', a.session_id,
    'app_name', a.app_name,
    'status', a.status,
    'start_time', a.start_time,
    'end_time', a.end_time,
    'total_usage', a.total_usage
  )
  redis.call('ZADD', session_apps, tonumber(a.start_time), a.id)
  redis.call('ZADD', all_apps, tonumber(a.start_time), a.id)
  if a.status == 'ACTIVE' then
    redis.call('SADD', session_active_apps, a.id)
  else
    redis.call('SREM', session_active_apps, a.id)
  end
end

for _, s in ipairs(sessions) do
  local session_key = prefix .. ':session:' .. s.id
  local employee_index = prefix .. ':sessions:employee:' .. s.employee_id
  local employee_active = prefix .. ':active:employee:' .. s.employee_id
  redis.call('HSET', session_key,
    'id', s.id,
    'employee_id', s.employee_id,
    'project_id', s.project_id,
    'start_time', s.start_time,
    'end_time', s.end_time,
    'status', s.status,
    'active_duration', s.active_duration
  )
  redis.call('ZADD', employee_index, tonumber(s.start_time), s.id)
  redis.call('ZADD', all_index, tonumber(s.start_time), s.id)
  if s.status == 'ACTIVE' then
    redis.call('SADD', active_set, s.id)
    redis.call('SET', employee_active, s.id)
  else
    redis.call('SREM', active_set, s.id)
    if redis.call('GET', employee_active) == s.id then
      redis.call('DEL', employee_active)
    end
  end
end

return 'OK'
`

	// activeSessionScript resolves an employee's active-session pointer and
	// returns the session hash as a flat field/value list. A dangling or
	// stale pointer yields an empty list.
	activeSessionScript = `
local employee_active = KEYS[1]  -- {prefix}:active:employee:{employeeID}
local prefix = ARGV[1]

local session_id = redis.call('GET', employee_active)
if not session_id then
  return {}
end

local data = redis.call('HGETALL', prefix .. ':session:' .. session_id)
if #data == 0 then
  return {}
end

for i = 1, #data, 2 do
  if data[i] == 'status' and data[i + 1] ~= 'ACTIVE' then
    return {}
  end
end

return data
`
)
