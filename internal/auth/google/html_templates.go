package google

// loginSuccessHTML is served to the browser after the authorization code has
// been captured. It is static; the flow has already moved on by the time the
// page renders.
const loginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Complete</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #4285f4 0%, #34a853 100%);
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 420px;
        }
        .icon { font-size: 3rem; }
        h1 { color: #202124; font-size: 1.4rem; margin: 0.75rem 0; }
        p { color: #5f6368; margin: 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="icon">&#10003;</div>
        <h1>Authorization complete</h1>
        <p>Your Google account is now connected. You can close this window and return to the application.</p>
    </div>
    <script>setTimeout(function () { window.close(); }, 3000);</script>
</body>
</html>`

// loginFailureHTML is served when the callback carried an error parameter, a
// mismatched state, or no code. The placeholder is replaced with a short
// reason before serving.
const loginFailureHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #ea4335 0%, #fbbc04 100%);
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 420px;
        }
        .icon { font-size: 3rem; }
        h1 { color: #202124; font-size: 1.4rem; margin: 0.75rem 0; }
        p { color: #5f6368; margin: 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="icon">&#10007;</div>
        <h1>Authorization failed</h1>
        <p>{{REASON}}</p>
        <p>You can close this window and retry from the application.</p>
    </div>
</body>
</html>`
